package gas

// Per-operation costs, in gas units, per the representative costs
// enumerated at the gas meter's policy boundary. These are package-level
// vars rather than consts so Configure can apply config.Config's
// GAS_BASIC_OP/GAS_CRYPTO_OP/... overrides at process startup; absent a
// call to Configure, the defaults below apply.
var (
	BasicOpCost        int64 = 1
	CryptoOpCost       int64 = 50
	TimerArmCost       int64 = 15
	TimerFireCost      int64 = 5
	GenerateRandomBase int64 = 20 // plus 1 per byte requested

	MemoryGasPerByte  float64 = 0.1
	StorageGasPerByte float64 = 1.0
)

// Configure overrides the default per-operation costs, called once at
// startup from the values resolved by config.Config. Zero-value fields
// are left at their defaults rather than zeroed out.
func Configure(basicOp, cryptoOp int64, memoryPerByte, storagePerByte float64) {
	if basicOp > 0 {
		BasicOpCost = basicOp
	}
	if cryptoOp > 0 {
		CryptoOpCost = cryptoOp
	}
	if memoryPerByte > 0 {
		MemoryGasPerByte = memoryPerByte
	}
	if storagePerByte > 0 {
		StorageGasPerByte = storagePerByte
	}
}

// GenerateRandomCost computes generateRandomBytes(n)'s charge: 20 + n.
func GenerateRandomCost(n int) int64 {
	return GenerateRandomBase + int64(n)
}

// MemoryCost rounds a per-byte memory charge up to the nearest whole unit,
// since Meter.Charge deals only in integer units.
func MemoryCost(bytes int) int64 {
	return ceilUnits(float64(bytes) * MemoryGasPerByte)
}

// StorageCost rounds a per-byte storage charge up to the nearest whole unit.
func StorageCost(bytes int) int64 {
	return ceilUnits(float64(bytes) * StorageGasPerByte)
}

func ceilUnits(v float64) int64 {
	u := int64(v)
	if float64(u) < v {
		u++
	}
	return u
}
