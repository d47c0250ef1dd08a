package connection

// Observer receives manager events for metrics and auditing.
//
// Methods are called while the manager holds its state lock. They must not
// block and must not call back into the manager.
type Observer interface {
	StateChanged(change StateChange)
	FrameReceived(msgType string)
	DecodeFailed()
	QueueDepth(n int)
	HeartbeatTimeout()
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StateChanged(StateChange) {}
func (NopObserver) FrameReceived(string)     {}
func (NopObserver) DecodeFailed()            {}
func (NopObserver) QueueDepth(int)           {}
func (NopObserver) HeartbeatTimeout()        {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) StateChanged(c StateChange) {
	for _, obs := range o {
		obs.StateChanged(c)
	}
}

func (o Observers) FrameReceived(msgType string) {
	for _, obs := range o {
		obs.FrameReceived(msgType)
	}
}

func (o Observers) DecodeFailed() {
	for _, obs := range o {
		obs.DecodeFailed()
	}
}

func (o Observers) QueueDepth(n int) {
	for _, obs := range o {
		obs.QueueDepth(n)
	}
}

func (o Observers) HeartbeatTimeout() {
	for _, obs := range o {
		obs.HeartbeatTimeout()
	}
}
