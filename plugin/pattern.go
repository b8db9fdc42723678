package plugin

// matchPattern reports whether an autocmd glob pattern matches the
// event subject (typically a file name). Supported syntax: '*' matches
// any run of characters including path separators, '?' matches one
// character, '[...]' matches a character class with optional leading
// '^' negation and '-' ranges. A malformed class never matches.
func matchPattern(pattern, subject string) bool {
	return matchAt(pattern, subject)
}

func matchAt(p, s string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			// Collapse consecutive stars, then try every suffix.
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchAt(p, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		case '[':
			rest, ok := matchClass(p, s)
			if !ok {
				return false
			}
			p, s = rest, s[1:]
		default:
			if len(s) == 0 || p[0] != s[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

// matchClass matches the leading character class in p against the
// first byte of s. It returns the pattern remainder after the class.
func matchClass(p, s string) (rest string, ok bool) {
	if len(s) == 0 {
		return "", false
	}
	c := s[0]
	i := 1 // past '['
	negate := false
	if i < len(p) && p[i] == '^' {
		negate = true
		i++
	}
	matched := false
	first := true
	for {
		if i >= len(p) {
			return "", false // unterminated class
		}
		if p[i] == ']' && !first {
			i++
			break
		}
		first = false
		lo := p[i]
		i++
		hi := lo
		if i+1 < len(p) && p[i] == '-' && p[i+1] != ']' {
			hi = p[i+1]
			i += 2
		}
		if lo <= c && c <= hi {
			matched = true
		}
	}
	if matched == negate {
		return "", false
	}
	return p[i:], true
}
