package fault

const (
	// PanicActionSize is the capacity of the compiled panic action. A
	// compiled action must be shorter than this.
	PanicActionSize = 512

	// pidSlack is the room reserved for %p expansion at fault time.
	pidSlack = 20

	filenameSize = 256
)

// expandToken copies src into dst replacing every "%<verb>" with val. It
// never writes past dst and reports false when the result would not leave
// one spare byte.
func expandToken(dst, src []byte, verb byte, val []byte) (int, bool) {
	n := 0
	for {
		i := indexToken(src, verb)
		if i < 0 {
			break
		}
		if n+i+len(val) >= len(dst) {
			return n, false
		}
		n += copy(dst[n:], src[:i])
		n += copy(dst[n:], val)
		src = src[i+2:]
	}
	if n+len(src) >= len(dst) {
		return n, false
	}
	n += copy(dst[n:], src)
	return n, true
}

func indexToken(s []byte, verb byte) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '%' && s[i+1] == verb {
			return i
		}
	}
	return -1
}
