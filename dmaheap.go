package videostream

import (
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// DMA-heap allocation.
// https://www.kernel.org/doc/html/latest/userspace-api/dma-buf-alloc-exchange.html
// https://elixir.bootlin.com/linux/latest/source/include/uapi/linux/dma-heap.h

// dmaHeapDevices is the compiled-in probe order for the default allocation
// policy: the generic system heap first, then the contiguous heaps exported
// by CMA-carveout platforms.
var dmaHeapDevices = []string{
	"/dev/dma_heap/system",
	"/dev/dma_heap/linux,cma",
	"/dev/dma_heap/linux,cma-uncached",
}

// heapAllocData (struct dma_heap_allocation_data) carries a DMA-heap
// allocation request and receives the buffer descriptor.
// https://elixir.bootlin.com/linux/latest/source/include/uapi/linux/dma-heap.h#L20
type heapAllocData struct {
	Len       uint64
	Fd        uint32
	FdFlags   uint32
	HeapFlags uint64
}

// bufferPhysData (struct dma_buf_phys) receives the bus address of a
// dma-buf on kernels that export the vendor phys query.
type bufferPhysData struct {
	Phys uint64
}

var (
	// DMA_HEAP_IOCTL_ALLOC
	reqHeapAlloc = iocEncReadWrite('H', 0x0, unsafe.Sizeof(heapAllocData{}))
	// DMA_BUF_IOCTL_PHYS (vendor extension; absent upstream)
	reqBufferPhys = iocEncWrite('b', 10, unsafe.Sizeof(bufferPhysData{}))
)

// allocHeap allocates size bytes from the DMA-heap device at path and
// returns the exported buffer descriptor.
func allocHeap(path string, size uint64) (int, error) {
	heap, err := openFd(path, sys.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	defer closeFd(heap)

	data := heapAllocData{
		Len:     size,
		FdFlags: sys.O_RDWR | sys.O_CLOEXEC,
	}
	if errno := ioctl(heap, reqHeapAlloc, unsafe.Pointer(&data)); errno != 0 {
		return -1, WrapErrno("dma-heap alloc "+path, errno)
	}
	return int(data.Fd), nil
}

// bufferPhys queries the bus address of a dma-buf descriptor. Kernels
// without the vendor ioctl report ErrNotSupported.
func bufferPhys(fd int) (uint64, error) {
	var data bufferPhysData
	if errno := ioctl(fd, reqBufferPhys, unsafe.Pointer(&data)); errno != 0 {
		if ParseErrno(errno) == ErrNotSupported || errno == sys.EINVAL {
			return 0, WrapErrno("dma-buf phys", sys.ENOTTY)
		}
		return 0, WrapErrno("dma-buf phys", errno)
	}
	return data.Phys, nil
}
