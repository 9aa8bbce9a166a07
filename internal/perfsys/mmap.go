package perfsys

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub002/internal/gatorerr"
)

// MmapResult is the raw mmap'd region behind one leader FD: one
// metadata page followed by the data-ring pages.
type MmapResult struct {
	Region []byte
	// The data ring's placement inside Region is computed by
	// internal/binding from the page size; the kernel-reported
	// DataOffset/DataSize in the metadata page are not read back.
}

// Mmap installs the data ring for fd and validates the page counts for
// a later AUX mapping. Page counts must be powers of two.
func Mmap(fd int, dataPages, auxPages int) (*MmapResult, error) {
	if dataPages <= 0 || dataPages&(dataPages-1) != 0 {
		return nil, gatorerr.Newf(gatorerr.Configuration, "data page count %d is not a positive power of two", dataPages)
	}
	if auxPages < 0 || (auxPages != 0 && auxPages&(auxPages-1) != 0) {
		return nil, gatorerr.Newf(gatorerr.Configuration, "aux page count %d is not zero or a power of two", auxPages)
	}

	pageSize := os.Getpagesize()
	size := (1 + dataPages) * pageSize

	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, gatorerr.Wrap(gatorerr.Unsupported, err, "mmap perf ring")
	}

	return &MmapResult{Region: region}, nil
}

// Munmap releases a region returned by Mmap.
func Munmap(region []byte) error {
	return unix.Munmap(region)
}

// MmapAux performs the second mmap call required to install the AUX
// ring. The caller must already have written auxOffset/auxSize into the
// metadata page of the region returned by Mmap; the kernel rejects the
// mapping otherwise.
func MmapAux(fd int, auxOffset, auxSize uint64) ([]byte, error) {
	region, err := unix.Mmap(fd, int64(auxOffset), int(auxSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, gatorerr.Wrap(gatorerr.Unsupported, err, "mmap perf aux ring")
	}
	return region, nil
}
