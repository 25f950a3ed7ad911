package torrent

import "strconv"

// MaxDepth bounds container nesting. Deeper input is rejected as malformed.
const MaxDepth = 64

// scanner walks bencoded data in place. Offsets always index the original buffer.
type scanner struct {
	data []byte
}

// readString reads a length-prefixed byte string at pos and returns it with the offset after it.
func (s *scanner) readString(pos int) ([]byte, int, error) {
	start := pos
	for pos < len(s.data) && s.data[pos] >= '0' && s.data[pos] <= '9' {
		pos++
	}
	if pos == start {
		return nil, 0, malformed(start, "expected string length")
	}
	if pos >= len(s.data) {
		return nil, 0, malformed(pos, "truncated string length")
	}
	if s.data[pos] != ':' {
		return nil, 0, malformed(pos, "non-numeric string length")
	}
	n, err := strconv.Atoi(string(s.data[start:pos]))
	if err != nil {
		return nil, 0, malformed(start, "invalid string length")
	}
	pos++
	if n > len(s.data)-pos {
		return nil, 0, malformed(start, "string of %d bytes exceeds buffer", n)
	}
	return s.data[pos : pos+n], pos + n, nil
}

// readInt reads i<digits>e at pos.
func (s *scanner) readInt(pos int) (int64, int, error) {
	if pos >= len(s.data) || s.data[pos] != 'i' {
		return 0, 0, malformed(pos, "expected integer")
	}
	start := pos + 1
	end := start
	for end < len(s.data) && s.data[end] != 'e' {
		end++
	}
	if end >= len(s.data) {
		return 0, 0, malformed(pos, "unterminated integer")
	}
	v, err := strconv.ParseInt(string(s.data[start:end]), 10, 64)
	if err != nil {
		return 0, 0, malformed(start, "invalid integer")
	}
	return v, end + 1, nil
}

// skip returns the offset just past the value starting at pos. depth is the
// nesting level pos already sits at and counts toward MaxDepth.
func (s *scanner) skip(pos, depth int) (int, error) {
	open := 0
	for {
		if pos >= len(s.data) {
			return 0, malformed(pos, "truncated buffer")
		}
		switch c := s.data[pos]; {
		case c == 'd' || c == 'l':
			open++
			if depth+open > MaxDepth {
				return 0, malformed(pos, "nesting deeper than %d", MaxDepth)
			}
			pos++
		case c == 'e':
			if open == 0 {
				return 0, malformed(pos, "unexpected end marker")
			}
			open--
			pos++
		case c == 'i':
			_, next, err := s.readInt(pos)
			if err != nil {
				return 0, err
			}
			pos = next
		case c >= '0' && c <= '9':
			_, next, err := s.readString(pos)
			if err != nil {
				return 0, err
			}
			pos = next
		default:
			return 0, malformed(pos, "unexpected byte %q", c)
		}
		if open == 0 {
			return pos, nil
		}
	}
}

// dict calls fn for every entry of the dictionary at pos with the value's
// [start,end) range and returns the offset after the dictionary.
func (s *scanner) dict(pos, depth int, fn func(key string, start, end int) error) (int, error) {
	if pos >= len(s.data) || s.data[pos] != 'd' {
		return 0, malformed(pos, "expected dictionary")
	}
	if depth+1 > MaxDepth {
		return 0, malformed(pos, "nesting deeper than %d", MaxDepth)
	}
	pos++
	for {
		if pos >= len(s.data) {
			return 0, malformed(pos, "unterminated dictionary")
		}
		if s.data[pos] == 'e' {
			return pos + 1, nil
		}
		key, next, err := s.readString(pos)
		if err != nil {
			return 0, err
		}
		end, err := s.skip(next, depth+1)
		if err != nil {
			return 0, err
		}
		if fn != nil {
			if err := fn(string(key), next, end); err != nil {
				return 0, err
			}
		}
		pos = end
	}
}

// list calls fn for every element of the list at pos.
func (s *scanner) list(pos, depth int, fn func(start, end int) error) (int, error) {
	if pos >= len(s.data) || s.data[pos] != 'l' {
		return 0, malformed(pos, "expected list")
	}
	if depth+1 > MaxDepth {
		return 0, malformed(pos, "nesting deeper than %d", MaxDepth)
	}
	pos++
	for {
		if pos >= len(s.data) {
			return 0, malformed(pos, "unterminated list")
		}
		if s.data[pos] == 'e' {
			return pos + 1, nil
		}
		end, err := s.skip(pos, depth+1)
		if err != nil {
			return 0, err
		}
		if err := fn(pos, end); err != nil {
			return 0, err
		}
		pos = end
	}
}

func (s *scanner) stringAt(start int) ([]byte, error) {
	v, _, err := s.readString(start)
	return v, err
}

func (s *scanner) intAt(start int) (int64, error) {
	v, _, err := s.readInt(start)
	return v, err
}
