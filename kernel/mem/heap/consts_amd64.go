// +build amd64

package heap

// heapBase is the fixed virtual address the heap grows from. It sits in
// PML4 slot 256, well clear of the recursive page-table mapping and the
// kernel image itself which both live in slot 511.
const heapBase = uintptr(0xffff800000000000)
