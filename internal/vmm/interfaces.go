package vmm

// FileReader is the bulk-read capability a file-backed mapping needs; it
// stands in for the out-of-scope vfs pread contract.
type FileReader interface {
	Pread(buf []byte, offsetBytes int64) (int, error)
}

// VFS converts a guest file descriptor into a FileReader and back,
// standing in for the out-of-scope vfs_get/vfs_release pair.
type VFS interface {
	Get(fd int32) (FileReader, bool)
	Release(f FileReader)
}
