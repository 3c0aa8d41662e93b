package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos-core-iam/internal/certhandler"
	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	"github.com/aosedge/aos-core-iam/internal/nodemanager"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "iam.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testCertInfo(url string, serial byte) certhandler.CertInfo {
	return certhandler.CertInfo{
		Issuer:   []byte("issuer"),
		Serial:   []byte{serial},
		CertURL:  url,
		KeyURL:   url,
		NotAfter: time.Now().Add(time.Hour).UTC(),
	}
}

func TestCertInfoCRUD(t *testing.T) {
	db := newTestStore(t)

	first := testCertInfo("pkcs11:token=aos;object=iam;id=1", 1)
	second := testCertInfo("pkcs11:token=aos;object=iam;id=2", 2)

	require.NoError(t, db.AddCertInfo("iam", first))
	require.NoError(t, db.AddCertInfo("iam", second))

	infos, err := db.GetCertsInfo("iam")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Equal(first))
	assert.True(t, infos[1].Equal(second))

	info, err := db.GetCertInfo([]byte("issuer"), []byte{2})
	require.NoError(t, err)
	assert.True(t, info.Equal(second))

	require.NoError(t, db.RemoveCertInfo("iam", first.CertURL))

	infos, err = db.GetCertsInfo("iam")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Equal(second))

	require.NoError(t, db.RemoveAllCertsInfo("iam"))

	infos, err = db.GetCertsInfo("iam")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestAddDuplicatedCertInfoFails(t *testing.T) {
	db := newTestStore(t)

	info := testCertInfo("pkcs11:token=aos;object=iam;id=1", 1)

	require.NoError(t, db.AddCertInfo("iam", info))
	assert.ErrorIs(t, db.AddCertInfo("iam", info), iamerrors.ErrAlreadyExist)
}

func TestGetCertInfoUnknownFails(t *testing.T) {
	db := newTestStore(t)

	_, err := db.GetCertInfo([]byte("issuer"), []byte{9})
	assert.ErrorIs(t, err, iamerrors.ErrNotFound)
}

func TestCertTypesAreIsolated(t *testing.T) {
	db := newTestStore(t)

	require.NoError(t, db.AddCertInfo("iam", testCertInfo("url-iam", 1)))
	require.NoError(t, db.AddCertInfo("sm", testCertInfo("url-sm", 2)))

	require.NoError(t, db.RemoveAllCertsInfo("iam"))

	infos, err := db.GetCertsInfo("sm")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestNodeInfoCRUD(t *testing.T) {
	db := newTestStore(t)

	info := nodemanager.NodeInfo{
		ID:     "node0",
		Type:   "main",
		Status: nodemanager.NodeStatusProvisioned,
		Attrs: []nodemanager.NodeAttribute{
			{Name: "MainNode", Value: ""},
		},
		Partitions: []nodemanager.PartitionInfo{
			{Name: "storage", Types: []string{"storages"}, TotalSize: 1024},
		},
		NumCPUs:  4,
		TotalRAM: 8192,
	}

	require.NoError(t, db.SetNodeInfo(info))

	got, err := db.GetNodeInfo("node0")
	require.NoError(t, err)
	assert.Equal(t, info, got)

	ids, err := db.GetAllNodeIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"node0"}, ids)

	require.NoError(t, db.RemoveNodeInfo("node0"))

	_, err = db.GetNodeInfo("node0")
	assert.ErrorIs(t, err, iamerrors.ErrNotFound)
	assert.ErrorIs(t, db.RemoveNodeInfo("node0"), iamerrors.ErrNotFound)
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iam.db")

	db, err := New(path)
	require.NoError(t, err)

	info := testCertInfo("pkcs11:token=aos;object=iam;id=1", 1)
	require.NoError(t, db.AddCertInfo("iam", info))
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	infos, err := db.GetCertsInfo("iam")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Equal(info))
}
