package priocq

import "strings"

// Priority orders outbound messages; higher values are dequeued first.
type Priority int

const (
	Low Priority = iota
	Medium
	High
	VeryHigh
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case VeryHigh:
		return "VERY_HIGH"
	default:
		return "MEDIUM"
	}
}

// ParsePriority maps a wire name back to a Priority. Unknown names parse as
// Medium with ok=false.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return Low, true
	case "MEDIUM":
		return Medium, true
	case "HIGH":
		return High, true
	case "VERY_HIGH":
		return VeryHigh, true
	default:
		return Medium, false
	}
}
