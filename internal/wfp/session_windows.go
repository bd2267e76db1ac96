//go:build windows

package wfp

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/windows"
)

// Struct layouts follow fwpmtypes.h for 64-bit Windows.

const (
	rpcCAuthnWinNT        = 10
	sessionFlagDynamic    = 0x00000001
	actionFlagTerminating = 0x00001000
	actionBlock           = 0x00000001 | actionFlagTerminating
	actionPermit          = 0x00000002 | actionFlagTerminating
	fwpUint8              = 1
	fwpByteBlobType       = 12
	fwpMatchEqual         = 0

	fwpEAlreadyExists = 0x80320009
)

var (
	layerALEAuthConnectV4 = windows.GUID{
		Data1: 0xc38d57d1, Data2: 0x05a7, Data3: 0x4c33,
		Data4: [8]byte{0x90, 0x4f, 0x7f, 0xbc, 0xee, 0xe6, 0x0e, 0x82},
	}
	conditionALEAppID = windows.GUID{
		Data1: 0xd78e1e87, Data2: 0x8644, Data3: 0x4ea5,
		Data4: [8]byte{0x94, 0x37, 0xd8, 0x09, 0xec, 0xef, 0xc9, 0x71},
	}
)

var (
	fwpuclnt                      = windows.NewLazySystemDLL("fwpuclnt.dll")
	procFwpmEngineOpen0           = fwpuclnt.NewProc("FwpmEngineOpen0")
	procFwpmEngineClose0          = fwpuclnt.NewProc("FwpmEngineClose0")
	procFwpmTransactionBegin0     = fwpuclnt.NewProc("FwpmTransactionBegin0")
	procFwpmTransactionCommit0    = fwpuclnt.NewProc("FwpmTransactionCommit0")
	procFwpmTransactionAbort0     = fwpuclnt.NewProc("FwpmTransactionAbort0")
	procFwpmProviderAdd0          = fwpuclnt.NewProc("FwpmProviderAdd0")
	procFwpmSubLayerAdd0          = fwpuclnt.NewProc("FwpmSubLayerAdd0")
	procFwpmFilterAdd0            = fwpuclnt.NewProc("FwpmFilterAdd0")
	procFwpmGetAppIdFromFileName0 = fwpuclnt.NewProc("FwpmGetAppIdFromFileName0")
	procFwpmFreeMemory0           = fwpuclnt.NewProc("FwpmFreeMemory0")
)

type fwpmDisplayData0 struct {
	Name        *uint16
	Description *uint16
}

type fwpByteBlob struct {
	Size uint32
	Data *uint8
}

type fwpmSession0 struct {
	SessionKey           windows.GUID
	DisplayData          fwpmDisplayData0
	Flags                uint32
	TxnWaitTimeoutInMSec uint32
	ProcessID            uint32
	SID                  *windows.SID
	Username             *uint16
	KernelMode           int32
}

type fwpmProvider0 struct {
	ProviderKey  windows.GUID
	DisplayData  fwpmDisplayData0
	Flags        uint32
	ProviderData fwpByteBlob
	ServiceName  *uint16
}

type fwpmSublayer0 struct {
	SubLayerKey  windows.GUID
	DisplayData  fwpmDisplayData0
	Flags        uint32
	ProviderKey  *windows.GUID
	ProviderData fwpByteBlob
	Weight       uint16
}

type fwpValue0 struct {
	Type  uint32
	Value uintptr
}

type fwpmFilterCondition0 struct {
	FieldKey       windows.GUID
	MatchType      uint32
	ConditionValue fwpValue0
}

type fwpmAction0 struct {
	Type       uint32
	FilterType windows.GUID
}

type fwpmFilter0 struct {
	FilterKey           windows.GUID
	DisplayData         fwpmDisplayData0
	Flags               uint32
	ProviderKey         *windows.GUID
	ProviderData        fwpByteBlob
	LayerKey            windows.GUID
	SubLayerKey         windows.GUID
	Weight              fwpValue0
	NumFilterConditions uint32
	FilterCondition     *fwpmFilterCondition0
	Action              fwpmAction0
	ProviderContext     [2]uint64
	Reserved            *windows.GUID
	FilterID            uint64
	EffectiveWeight     fwpValue0
}

// OpenDynamicSession opens a dynamic session on the local filter engine.
func OpenDynamicSession(name string) (Session, error) {
	if err := fwpuclnt.Load(); err != nil {
		return nil, err
	}

	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	session := fwpmSession0{
		DisplayData: fwpmDisplayData0{Name: namePtr},
		Flags:       sessionFlagDynamic,
	}

	var handle windows.Handle
	r, _, _ := procFwpmEngineOpen0.Call(
		0,
		rpcCAuthnWinNT,
		0,
		uintptr(unsafe.Pointer(&session)),
		uintptr(unsafe.Pointer(&handle)),
	)
	if r != 0 {
		return nil, fmt.Errorf("FwpmEngineOpen0: %w", windows.Errno(r))
	}
	return &engineSession{handle: handle}, nil
}

type engineSession struct {
	handle windows.Handle
}

func (s *engineSession) call(proc *windows.LazyProc, args ...uintptr) error {
	r, _, _ := proc.Call(args...)
	if r == 0 {
		return nil
	}
	if uint32(r) == fwpEAlreadyExists {
		return ErrAlreadyExists
	}
	return fmt.Errorf("%s: %w", proc.Name, windows.Errno(r))
}

func (s *engineSession) Begin() error {
	return s.call(procFwpmTransactionBegin0, uintptr(s.handle), 0)
}

func (s *engineSession) Commit() error {
	return s.call(procFwpmTransactionCommit0, uintptr(s.handle))
}

func (s *engineSession) Abort() error {
	return s.call(procFwpmTransactionAbort0, uintptr(s.handle))
}

func (s *engineSession) AddProvider(p Provider) error {
	name, err := windows.UTF16PtrFromString(p.Name)
	if err != nil {
		return err
	}
	provider := fwpmProvider0{
		ProviderKey: toGUID(p.Key),
		DisplayData: fwpmDisplayData0{Name: name},
	}
	return s.call(procFwpmProviderAdd0, uintptr(s.handle), uintptr(unsafe.Pointer(&provider)), 0)
}

func (s *engineSession) AddSublayer(sl Sublayer) error {
	name, err := windows.UTF16PtrFromString(sl.Name)
	if err != nil {
		return err
	}
	providerKey := toGUID(sl.Provider)
	sublayer := fwpmSublayer0{
		SubLayerKey: toGUID(sl.Key),
		DisplayData: fwpmDisplayData0{Name: name},
		ProviderKey: &providerKey,
		Weight:      sl.Weight,
	}
	return s.call(procFwpmSubLayerAdd0, uintptr(s.handle), uintptr(unsafe.Pointer(&sublayer)), 0)
}

func (s *engineSession) AddFilter(f Filter) (uint64, error) {
	if f.Layer != LayerALEAuthConnectV4 {
		return 0, fmt.Errorf("unsupported layer %s", f.Layer)
	}
	name, err := windows.UTF16PtrFromString(f.Name)
	if err != nil {
		return 0, err
	}

	providerKey := toGUID(f.Provider)
	filter := fwpmFilter0{
		FilterKey:   toGUID(f.Key),
		DisplayData: fwpmDisplayData0{Name: name},
		ProviderKey: &providerKey,
		LayerKey:    layerALEAuthConnectV4,
		SubLayerKey: toGUID(f.Sublayer),
		Weight:      fwpValue0{Type: fwpUint8, Value: uintptr(f.Weight)},
		Action:      fwpmAction0{Type: actionBlock},
	}
	if f.Action == ActionPermit {
		filter.Action.Type = actionPermit
	}

	var cond fwpmFilterCondition0
	if f.App != nil {
		blob, ok := f.App.(*appIDBlob)
		if !ok {
			return 0, errors.New("application identity was not issued by this session")
		}
		cond = fwpmFilterCondition0{
			FieldKey:  conditionALEAppID,
			MatchType: fwpMatchEqual,
			ConditionValue: fwpValue0{
				Type:  fwpByteBlobType,
				Value: uintptr(unsafe.Pointer(blob.blob)),
			},
		}
		filter.NumFilterConditions = 1
		filter.FilterCondition = &cond
	}

	var id uint64
	err = s.call(procFwpmFilterAdd0,
		uintptr(s.handle),
		uintptr(unsafe.Pointer(&filter)),
		0,
		uintptr(unsafe.Pointer(&id)),
	)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *engineSession) AppID(path string) (AppID, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	var blob *fwpByteBlob
	r, _, _ := procFwpmGetAppIdFromFileName0.Call(uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(&blob)))
	if r != 0 {
		return nil, fmt.Errorf("FwpmGetAppIdFromFileName0: %w", windows.Errno(r))
	}
	if blob == nil {
		return nil, errors.New("FwpmGetAppIdFromFileName0 returned no identity")
	}
	return &appIDBlob{path: path, blob: blob}, nil
}

func (s *engineSession) Close() error {
	r, _, _ := procFwpmEngineClose0.Call(uintptr(s.handle))
	if r != 0 {
		return fmt.Errorf("FwpmEngineClose0: %w", windows.Errno(r))
	}
	return nil
}

// appIDBlob is an identity allocated by the filter engine.
type appIDBlob struct {
	path string
	blob *fwpByteBlob
}

func (a *appIDBlob) Path() string { return a.path }

func (a *appIDBlob) Release() {
	if a.blob == nil {
		return
	}
	procFwpmFreeMemory0.Call(uintptr(unsafe.Pointer(&a.blob)))
	a.blob = nil
}

func toGUID(u uuid.UUID) windows.GUID {
	g, err := windows.GUIDFromString("{" + u.String() + "}")
	if err != nil {
		panic(fmt.Sprintf("wfp: invalid key %s: %v", u, err))
	}
	return g
}
