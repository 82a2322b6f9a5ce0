package meter

import "github.com/pixelforge/admitgate"

// NoopMeter discards all events.
type NoopMeter struct{}

var _ admitgate.Meter = (*NoopMeter)(nil)

func (*NoopMeter) OnAdmit(admitgate.AdmitEvent)   {}
func (*NoopMeter) OnResult(admitgate.ResultEvent) {}
