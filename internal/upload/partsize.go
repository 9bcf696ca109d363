package upload

// S3-style multipart constraints: every part except the last must be at
// least MinPartSize bytes, and an upload may have at most MaxPartCount
// parts.
const (
	MinPartSize  int64 = 5 * 1024 * 1024
	MaxPartCount int64 = 10000
)

// DerivePartSize computes the part size for a multipart upload of
// totalSize bytes: max(5MB, ceil(totalSize / 10000)). This keeps the
// part count within the provider maximum while honoring the provider
// minimum part size.
func DerivePartSize(totalSize int64) int64 {
	size := (totalSize + MaxPartCount - 1) / MaxPartCount
	if size < MinPartSize {
		return MinPartSize
	}
	return size
}

// PartCount returns ceil(totalSize / partSize).
func PartCount(totalSize, partSize int64) int {
	if partSize <= 0 {
		return 0
	}
	return int((totalSize + partSize - 1) / partSize)
}
