package types

// Status is the authoritative lifecycle state of a product. It only ever
// advances Farm -> Processing -> Shipped -> Delivered; Delivered is terminal.
// Trace stages are a separate free-form audit signal and do not feed back
// into Status.
type Status string

const (
	StatusFarm       Status = "Farm"
	StatusProcessing Status = "Processing"
	StatusShipped    Status = "Shipped"
	StatusDelivered  Status = "Delivered"
)

var statusRank = map[Status]int{
	StatusFarm:       0,
	StatusProcessing: 1,
	StatusShipped:    2,
	StatusDelivered:  3,
}

// ParseStatus accepts the canonical names plus "InTransit" as an alias for
// Shipped (the dashboard used both spellings).
func ParseStatus(s string) (Status, bool) {
	switch s {
	case string(StatusFarm), string(StatusProcessing), string(StatusShipped), string(StatusDelivered):
		return Status(s), true
	case "InTransit":
		return StatusShipped, true
	}
	return "", false
}

func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

func (s Status) String() string { return string(s) }
