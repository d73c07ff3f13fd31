package rtc

type DeviceOptions struct {
	SampleRate      int
	MaxWidth        int
	MaxHeight       int
	VideoBitRate    int
	ScreenFrameRate float32
}

func (o DeviceOptions) withDefaults() DeviceOptions {
	if o.SampleRate <= 0 {
		o.SampleRate = 48000
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = 640
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 480
	}
	if o.VideoBitRate == 0 {
		o.VideoBitRate = 1_500_000
	}
	if o.ScreenFrameRate <= 0 {
		o.ScreenFrameRate = 5
	}
	return o
}
