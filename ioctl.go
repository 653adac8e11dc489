package videostream

// ioctl uses a 32-bit value to encode commands sent to the kernel for device
// control. Requests use the following layout:
// - lower 16 bits: ioctl command
// - upper 14 bits: size of the parameter structure
// - MSB 2 bits: access mode
// https://elixir.bootlin.com/linux/latest/source/include/uapi/asm-generic/ioctl.h

const (
	// ioctl op direction:
	// Write: userland is writing and kernel is reading.
	// Read:  userland is reading and kernel is writing.
	iocOpNone  = 0
	iocOpWrite = 1
	iocOpRead  = 2

	// ioctl command bit sizes
	iocTypeBits   = 8
	iocNumberBits = 8
	iocSizeBits   = 14
	iocOpBits     = 2

	// ioctl bit layout positions
	numberPos = 0
	typePos   = numberPos + iocNumberBits
	sizePos   = typePos + iocTypeBits
	opPos     = sizePos + iocSizeBits
)

// iocEnc encodes an ioctl command as a request value.
func iocEnc(iocMode, iocType, number, size uintptr) uintptr {
	return (iocMode << opPos) | (iocType << typePos) | (number << numberPos) | (size << sizePos)
}

// iocEncWrite encodes ioctl command where program writes values read by the kernel.
func iocEncWrite(iocType, number, size uintptr) uintptr {
	return iocEnc(iocOpWrite, iocType, number, size)
}

// iocEncReadWrite encodes ioctl command for program reads and program writes.
func iocEncReadWrite(iocType, number, size uintptr) uintptr {
	return iocEnc(iocOpRead|iocOpWrite, iocType, number, size)
}
