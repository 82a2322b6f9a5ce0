package meter

import "github.com/pixelforge/admitgate"

// Multi fans events out to several meters.
type Multi []admitgate.Meter

var _ admitgate.Meter = (Multi)(nil)

func (m Multi) OnAdmit(e admitgate.AdmitEvent) {
	for _, inner := range m {
		inner.OnAdmit(e)
	}
}

func (m Multi) OnResult(e admitgate.ResultEvent) {
	for _, inner := range m {
		inner.OnResult(e)
	}
}
