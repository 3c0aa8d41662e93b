// Package pkcs11 wraps the Cryptoki binding with a narrow interface the
// certificate modules consume: library/slot/token info, sessions, object
// search and key operations. Policy (ownership, pending keys, URLs) lives in
// the cert module, not here.
package pkcs11

import (
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

// SlotID identifies a Cryptoki slot.
type SlotID = uint

// SlotInfo is the subset of C_GetSlotInfo the modules care about.
type SlotInfo struct {
	Description  string
	TokenPresent bool
}

// TokenInfo is the subset of C_GetTokenInfo the modules care about.
type TokenInfo struct {
	Label              string
	Initialized        bool
	TotalPublicMemory  uint
	FreePublicMemory   uint
	TotalPrivateMemory uint
	FreePrivateMemory  uint
}

// LibInfo describes the loaded Cryptoki library.
type LibInfo struct {
	ManufacturerID string
	Description    string
}

var (
	librariesMu sync.Mutex
	libraries   = map[string]*Library{}
)

// Library is a loaded and initialized Cryptoki library. Libraries are shared
// per path: Cryptoki forbids initializing the same module twice in one
// process, so repeated opens return the cached instance.
type Library struct {
	ctx  *pkcs11.Ctx
	path string
}

// OpenLibrary loads and initializes the Cryptoki library at path, or returns
// the already-initialized instance for that path.
func OpenLibrary(path string) (*Library, error) {
	librariesMu.Lock()
	defer librariesMu.Unlock()

	if lib, ok := libraries[path]; ok {
		return lib, nil
	}

	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, fmt.Errorf("%w: can't load PKCS#11 library %q", iamerrors.ErrInvalidArgument, path)
	}

	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()

		return nil, fmt.Errorf("initializing PKCS#11 library %q: %w", path, wrapRV(err))
	}

	lib := &Library{ctx: ctx, path: path}
	libraries[path] = lib

	return lib, nil
}

// Path returns the shared-library path the instance was loaded from.
func (l *Library) Path() string {
	return l.path
}

// GetLibInfo returns manufacturer and description of the library.
func (l *Library) GetLibInfo() (LibInfo, error) {
	info, err := l.ctx.GetInfo()
	if err != nil {
		return LibInfo{}, wrapRV(err)
	}

	return LibInfo{
		ManufacturerID: strings.TrimRight(info.ManufacturerID, " "),
		Description:    strings.TrimRight(info.LibraryDescription, " "),
	}, nil
}

// GetSlotList enumerates slots, optionally only those with a token present.
func (l *Library) GetSlotList(tokenPresent bool) ([]SlotID, error) {
	slots, err := l.ctx.GetSlotList(tokenPresent)
	if err != nil {
		return nil, wrapRV(err)
	}

	ids := make([]SlotID, len(slots))
	for i, slot := range slots {
		ids[i] = SlotID(slot)
	}

	return ids, nil
}

// GetSlotInfo returns information about a single slot.
func (l *Library) GetSlotInfo(slotID SlotID) (SlotInfo, error) {
	info, err := l.ctx.GetSlotInfo(slotID)
	if err != nil {
		return SlotInfo{}, wrapRV(err)
	}

	return SlotInfo{
		Description:  strings.TrimRight(info.SlotDescription, " "),
		TokenPresent: info.Flags&pkcs11.CKF_TOKEN_PRESENT != 0,
	}, nil
}

// GetTokenInfo returns information about the token in a slot.
func (l *Library) GetTokenInfo(slotID SlotID) (TokenInfo, error) {
	info, err := l.ctx.GetTokenInfo(slotID)
	if err != nil {
		return TokenInfo{}, wrapRV(err)
	}

	return TokenInfo{
		Label:              strings.TrimRight(info.Label, " \x00"),
		Initialized:        info.Flags&pkcs11.CKF_TOKEN_INITIALIZED != 0,
		TotalPublicMemory:  info.TotalPublicMemory,
		FreePublicMemory:   info.FreePublicMemory,
		TotalPrivateMemory: info.TotalPrivateMemory,
		FreePrivateMemory:  info.FreePrivateMemory,
	}, nil
}

// InitToken initializes the token in the slot, setting the security-officer
// PIN and the token label. All token objects are destroyed.
func (l *Library) InitToken(slotID SlotID, soPIN, label string) error {
	if err := l.ctx.InitToken(slotID, soPIN, label); err != nil {
		return wrapRV(err)
	}

	return nil
}

// OpenSession opens a read-write serial session on the slot.
func (l *Library) OpenSession(slotID SlotID) (*Session, error) {
	handle, err := l.ctx.OpenSession(slotID, pkcs11.CKF_RW_SESSION|pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, wrapRV(err)
	}

	return &Session{lib: l, handle: handle}, nil
}

// CloseAllSessions closes every session on the slot, including ones opened by
// other callers in this process.
func (l *Library) CloseAllSessions(slotID SlotID) error {
	if err := l.ctx.CloseAllSessions(slotID); err != nil {
		return wrapRV(err)
	}

	return nil
}

// wrapRV maps the binding's typed return values onto the IAM error kinds.
func wrapRV(err error) error {
	rvErr, ok := err.(pkcs11.Error)
	if !ok {
		return fmt.Errorf("%w: %v", iamerrors.ErrRuntime, err)
	}

	switch rvErr {
	case pkcs11.CKR_USER_ALREADY_LOGGED_IN, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED:
		return fmt.Errorf("%w: %v", iamerrors.ErrAlreadyLoggedIn, err)
	case pkcs11.CKR_SLOT_ID_INVALID, pkcs11.CKR_TOKEN_NOT_PRESENT, pkcs11.CKR_OBJECT_HANDLE_INVALID:
		return fmt.Errorf("%w: %v", iamerrors.ErrNotFound, err)
	case pkcs11.CKR_ARGUMENTS_BAD, pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID:
		return fmt.Errorf("%w: %v", iamerrors.ErrInvalidArgument, err)
	case pkcs11.CKR_SESSION_HANDLE_INVALID, pkcs11.CKR_USER_NOT_LOGGED_IN, pkcs11.CKR_OPERATION_NOT_INITIALIZED:
		return fmt.Errorf("%w: %v", iamerrors.ErrWrongState, err)
	case pkcs11.CKR_DEVICE_MEMORY, pkcs11.CKR_HOST_MEMORY:
		return fmt.Errorf("%w: %v", iamerrors.ErrNoMemory, err)
	case pkcs11.CKR_FUNCTION_NOT_SUPPORTED, pkcs11.CKR_MECHANISM_INVALID:
		return fmt.Errorf("%w: %v", iamerrors.ErrNotSupported, err)
	default:
		return fmt.Errorf("%w: %v", iamerrors.ErrRuntime, err)
	}
}
