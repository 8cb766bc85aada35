package delivery

// NetworkStatus is the connectivity signal delivered by the host.
type NetworkStatus int

const (
	NetworkUnknown NetworkStatus = iota
	NetworkReachable
	NetworkUnreachable
)

// IsReachable treats an unknown status as reachable.
func (s NetworkStatus) IsReachable() bool {
	return s != NetworkUnreachable
}

func (s NetworkStatus) String() string {
	switch s {
	case NetworkReachable:
		return "reachable"
	case NetworkUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// OnNetworkConnectivityStatusChanged pauses delivery while the network is
// unreachable and starts a pass as soon as it comes back.
func (c *Coordinator) OnNetworkConnectivityStatusChanged(status NetworkStatus) {
	reachable := status.IsReachable()
	c.reachable.Store(reachable)
	c.logger.WithField("status", status).Debug("Connectivity changed")

	if reachable {
		c.scheduleDelivery(0)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveryTask.Cancel() {
		c.logger.Debug("Delivery pass canceled, network unreachable")
	}
	c.deliveryTask = nil
}

// Reachable reports the last known connectivity.
func (c *Coordinator) Reachable() bool {
	return c.reachable.Load()
}
