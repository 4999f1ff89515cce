package mqtt

// DefaultTopicRoot is used when no topic root is configured.
const DefaultTopicRoot = "PILIGHT"

// Topics builds the bridge's own topics under a configurable root.
//
//	topics := mqtt.Topics{Root: "PILIGHT"}
//	topics.BridgeStatus() // "PILIGHT/bridge/status"
type Topics struct {
	Root string
}

func (t Topics) root() string {
	if t.Root == "" {
		return DefaultTopicRoot
	}
	return t.Root
}

// BridgeStatus returns the retained online/offline topic (also the LWT topic).
func (t Topics) BridgeStatus() string {
	return t.root() + "/bridge/status"
}

// BridgeHealth returns the topic for periodic health reports.
func (t Topics) BridgeHealth() string {
	return t.root() + "/bridge/health"
}

// All returns the multi-level wildcard covering every topic under the root.
func (t Topics) All() string {
	return t.root() + "/#"
}
