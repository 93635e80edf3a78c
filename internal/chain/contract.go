package chain

// ABI of the ProductRegistry contract deployed on Sepolia. The registry
// stores one write-once product record and one append-only trace list per
// product id, and reverts with the reasons in chain.go when a write breaks
// the contract invariants.
const productRegistryABI = `[
  {"type":"function","name":"registerProduct","stateMutability":"nonpayable","inputs":[
    {"name":"productId","type":"string"},
    {"name":"name","type":"string"},
    {"name":"batch","type":"string"},
    {"name":"manufacturer","type":"string"},
    {"name":"originRegion","type":"string"},
    {"name":"harvestTimestamp","type":"uint64"},
    {"name":"registeredBy","type":"string"}],"outputs":[]},
  {"type":"function","name":"updateProductStatus","stateMutability":"nonpayable","inputs":[
    {"name":"productId","type":"string"},
    {"name":"fromStatus","type":"uint8"},
    {"name":"toStatus","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"addTrace","stateMutability":"nonpayable","inputs":[
    {"name":"productId","type":"string"},
    {"name":"stage","type":"string"},
    {"name":"company","type":"string"},
    {"name":"location","type":"string"},
    {"name":"timestamp","type":"uint64"},
    {"name":"recordedBy","type":"string"},
    {"name":"audit","type":"bool"}],"outputs":[]},
  {"type":"function","name":"getProduct","stateMutability":"view","inputs":[
    {"name":"productId","type":"string"}],"outputs":[
    {"name":"name","type":"string"},
    {"name":"batch","type":"string"},
    {"name":"manufacturer","type":"string"},
    {"name":"originRegion","type":"string"},
    {"name":"harvestTimestamp","type":"uint64"},
    {"name":"status","type":"uint8"},
    {"name":"registeredBy","type":"string"}]},
  {"type":"function","name":"getTraceCount","stateMutability":"view","inputs":[
    {"name":"productId","type":"string"}],"outputs":[
    {"name":"count","type":"uint256"}]},
  {"type":"function","name":"getTrace","stateMutability":"view","inputs":[
    {"name":"productId","type":"string"},
    {"name":"index","type":"uint256"}],"outputs":[
    {"name":"stage","type":"string"},
    {"name":"company","type":"string"},
    {"name":"location","type":"string"},
    {"name":"timestamp","type":"uint64"},
    {"name":"recordedBy","type":"string"},
    {"name":"audit","type":"bool"}]},
  {"type":"event","name":"ProductRegistered","inputs":[
    {"name":"productId","type":"string","indexed":false},
    {"name":"name","type":"string","indexed":false},
    {"name":"batch","type":"string","indexed":false},
    {"name":"manufacturer","type":"string","indexed":false},
    {"name":"originRegion","type":"string","indexed":false},
    {"name":"harvestTimestamp","type":"uint64","indexed":false},
    {"name":"registeredBy","type":"string","indexed":false}],"anonymous":false},
  {"type":"event","name":"StatusUpdated","inputs":[
    {"name":"productId","type":"string","indexed":false},
    {"name":"fromStatus","type":"uint8","indexed":false},
    {"name":"toStatus","type":"uint8","indexed":false}],"anonymous":false},
  {"type":"event","name":"TraceAdded","inputs":[
    {"name":"productId","type":"string","indexed":false},
    {"name":"stage","type":"string","indexed":false},
    {"name":"company","type":"string","indexed":false},
    {"name":"location","type":"string","indexed":false},
    {"name":"timestamp","type":"uint64","indexed":false},
    {"name":"recordedBy","type":"string","indexed":false},
    {"name":"audit","type":"bool","indexed":false}],"anonymous":false}
]`

var statusNames = [...]string{"Farm", "Processing", "Shipped", "Delivered"}

func statusFromCode(code uint8) string {
	if int(code) < len(statusNames) {
		return statusNames[code]
	}
	return ""
}

func statusToCode(name string) (uint8, bool) {
	for i, s := range statusNames {
		if s == name {
			return uint8(i), true
		}
	}
	return 0, false
}
