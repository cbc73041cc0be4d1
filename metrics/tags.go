package metrics

import (
	"strings"
)

type Tag struct {
	Key   string
	Value string
}

// ParseTags splits "key:value" tags. A tag without a colon becomes a key
// with the value "true".
func ParseTags(tags []string) []Tag {
	parsed := make([]Tag, 0, len(tags))
	for _, tag := range tags {
		key, value, ok := strings.Cut(tag, ":")
		if !ok {
			value = "true"
		}
		parsed = append(parsed, Tag{Key: sanitizeName(key), Value: value})
	}
	return parsed
}

func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func seriesKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	return name + "|" + strings.Join(tags, ",")
}
