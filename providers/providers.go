// Package providers registers every built-in provider with video_library.DefaultProviderRegistry.
package providers

import (
	_ "github.com/alanbriolat/video-library/provider/raw"
	_ "github.com/alanbriolat/video-library/provider/youtube"
)
