package pipeline

// Verbose progress notices posted to the channel.
const (
	NoticeDownloaded      = "Your submitted image has been downloaded..."
	NoticePromptGenerated = "Seed prompt has been generated:"
	NoticeImageGenerated  = "Image has been generated..."
	NoticeImageResized    = "Image has been resized..."
	NoticeResizing        = "Resizing image..."
	NoticeTrySending      = "Image has been saved locally. I will try sending it in this channel..."
)
