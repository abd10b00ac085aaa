package ia32

// MSR is a model-specific register address.
type MSR uint32

const (
	MSRTimeStampCounter MSR = 0x00000010
	MSRFeatureControl   MSR = 0x0000003A
	MSRSysenterCS       MSR = 0x00000174
	MSRSysenterESP      MSR = 0x00000175
	MSRSysenterEIP      MSR = 0x00000176
	MSRDebugCtl         MSR = 0x000001D9
	MSRPAT              MSR = 0x00000277
	MSRMTRRDefType      MSR = 0x000002FF

	MSRVMXBasic          MSR = 0x00000480
	MSRVMXPinbasedCtls   MSR = 0x00000481
	MSRVMXProcbasedCtls  MSR = 0x00000482
	MSRVMXExitCtls       MSR = 0x00000483
	MSRVMXEntryCtls      MSR = 0x00000484
	MSRVMXMisc           MSR = 0x00000485
	MSRVMXCR0Fixed0      MSR = 0x00000486
	MSRVMXCR0Fixed1      MSR = 0x00000487
	MSRVMXCR4Fixed0      MSR = 0x00000488
	MSRVMXCR4Fixed1      MSR = 0x00000489
	MSRVMXVMCSEnum       MSR = 0x0000048A
	MSRVMXProcbasedCtls2 MSR = 0x0000048B
	MSRVMXEPTVPIDCap     MSR = 0x0000048C
	MSRVMXTruePinbased   MSR = 0x0000048D
	MSRVMXTrueProcbased  MSR = 0x0000048E
	MSRVMXTrueExitCtls   MSR = 0x0000048F
	MSRVMXTrueEntryCtls  MSR = 0x00000490
	MSRVMXVMFunc         MSR = 0x00000491

	MSREFER         MSR = 0xC0000080
	MSRSTAR         MSR = 0xC0000081
	MSRLSTAR        MSR = 0xC0000082
	MSRFSBase       MSR = 0xC0000100
	MSRGSBase       MSR = 0xC0000101
	MSRKernelGSBase MSR = 0xC0000102
	MSRTSCAux       MSR = 0xC0000103
)

// FeatureControl is the value of IA32_FEATURE_CONTROL.
type FeatureControl uint64

const (
	FeatureControlLock          FeatureControl = 1 << 0
	FeatureControlVMXInSMX      FeatureControl = 1 << 1
	FeatureControlVMXOutsideSMX FeatureControl = 1 << 2
)

// VMXAllowed reports whether VMXON may execute outside SMX operation.
// An unlocked register also allows it once the lock bit is set.
func (f FeatureControl) VMXAllowed() bool {
	return f&FeatureControlLock == 0 || f&FeatureControlVMXOutsideSMX != 0
}

// InLowRange reports whether m is covered by the low half of an MSR bitmap.
func (m MSR) InLowRange() bool { return m <= 0x1FFF }

// InHighRange reports whether m is covered by the high half of an MSR bitmap.
func (m MSR) InHighRange() bool { return m >= 0xC0000000 && m <= 0xC0001FFF }
