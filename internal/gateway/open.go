package gateway

import "fmt"

// Open builds the gateway named by kind ("paper" or "bridge") wrapped in a
// submission throttle of rps orders per second.
func Open(kind, bridgeURL string, rps float64, paper PaperConfig) (*Throttled, error) {
	var gw Gateway
	switch kind {
	case "paper", "":
		gw = NewPaperGateway(paper)
	case "bridge":
		gw = NewBridgeGateway(bridgeURL)
	default:
		return nil, fmt.Errorf("unsupported gateway %q", kind)
	}
	return NewThrottled(gw, rps), nil
}
