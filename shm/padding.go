package shm

// Regions inside a segment are aligned to 8 bytes so that readers in any
// language runtime can overlay fixed-width views without misaligned loads.
const regionAlignment = 8

// alignUp rounds n up to the next multiple of regionAlignment.
func alignUp(n int) int {
	rem := n % regionAlignment
	if rem == 0 {
		return n
	}
	return n + regionAlignment - rem
}

// dynamicBufferLength returns the allocation size for a segment whose
// contents occupy n bytes. Terminal padding leaves headroom so that small
// content growth does not immediately force another ftruncate.
func dynamicBufferLength(n int) int {
	return alignUp(n + n/2)
}

// totalSize computes the allocation size for the given content size under
// the segment's terminal-padding policy.
func totalSize(contentSize int, includeTerminalPadding bool) int {
	if includeTerminalPadding {
		return dynamicBufferLength(contentSize)
	}
	return contentSize
}
