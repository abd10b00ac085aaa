package memory

import "golang.org/x/sys/unix"

// perCPUDivisor scales installed memory into the per-processor pool share.
const perCPUDivisor = 384

// minPerCPU is the smallest share a processor gets regardless of RAM size.
const minPerCPU = 2 << 20

// EstimatePoolSize returns the pool size for cpus processors: installed
// physical memory divided by 384 for each processor, with a floor.
func EstimatePoolSize(cpus int) (int, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	return PoolSizeFor(total, cpus), nil
}

// PoolSizeFor is EstimatePoolSize for a given amount of installed memory.
func PoolSizeFor(total uint64, cpus int) int {
	if cpus < 1 {
		cpus = 1
	}
	share := total / perCPUDivisor
	if share < minPerCPU {
		share = minPerCPU
	}
	share = (share + PageSize - 1) &^ (PageSize - 1)
	return int(share) * cpus
}
