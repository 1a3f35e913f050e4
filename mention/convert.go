package mention

import "unicode/utf16"

// utf16ByteOffset walks s's code points, counting UTF-16 code units, and
// returns the UTF-8 byte offset at which the running UTF-16 count first
// equals idx. The empty trailing span (idx == total UTF-16 length) is a
// legal match at len(s). If idx falls inside a surrogate pair — i.e. a rune
// contributes two UTF-16 units and idx lands strictly between — no byte
// offset ever equals idx and ok is false.
func utf16ByteOffset(s string, idx int) (offset int, ok bool) {
	units := 0
	for byteIdx, r := range s {
		if units == idx {
			return byteIdx, true
		}
		units += utf16.RuneLen(r)
	}
	if units == idx {
		return len(s), true
	}
	return 0, false
}

// utf16RangeToUTF8 maps the UTF-16 [offset, offset+length) span over s to a
// UTF-8 byte span. It fails (ok=false) if either endpoint is out of range or
// falls inside a surrogate pair.
func utf16RangeToUTF8(s string, offset, length int) (start, end int, ok bool) {
	start, ok = utf16ByteOffset(s, offset)
	if !ok {
		return 0, 0, false
	}
	end, ok = utf16ByteOffset(s, offset+length)
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}
