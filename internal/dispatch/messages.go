package dispatch

import "fmt"

// Replies posted to the channel.
const (
	MsgVerboseConfirmation = "I will generate verbose update messages. Keeping you up to date on my task completion."
	MsgArchiveConfirmation = "I will try uploading the files in this channel to the folder in DropBox"
	MsgAttemptingDropbox   = "Image has been generated. I will try uploading to Dropbox..."
	MsgDropboxSuccessful   = "Image has successfully been uploaded to DropBox"
	MsgDropboxError        = "File could not be uploaded to DropBox"

	MsgPromptError = "There must be a flag and a body to this message to give the model direction. " +
		"Try again using --inject followed by a prompt."
	MsgSeriesError = "When using the --series flag you must specify one or more variable arguments. " +
		"E.g. {1, 2, 3, 4} somewhere in your message. You must also only include a single image or prompt."
	MsgGeneratorError = "Something went wrong with ImageGeneratorBot :( Image request did not pass the vibe check."
	MsgDownloadError  = "I could not download the file you attached. Please try sending it again."

	CaptionGenerated   = "Here's an AI-generated Image! :art:"
	CaptionReformatted = "Here's your reformatted image!"
)

// HelpMessage greets user and lists the flags.
func HelpMessage(user string) string {
	return fmt.Sprintf("Hello <@%s>! :wave:\n\n", user) +
		"To generate an AI image, please follow these steps:\n" +
		"1. *Mention me* in your message (`@ImageGeneratorBot`).\n" +
		"2. *Attach a valid image file* that I can use as a seed for your prompt.\n\n" +
		"Some flags that you can add to your message to do exactly what you need:\n" +
		"\t--verbose: Will give you feedback for most of the operations so that you know exactly what I'm doing\n" +
		"\t--inject: Allows you to add a message to your prompt. Just type your message into the box following the flag.\n" +
		"\t--series: Allows you to create a series of images from a single image or prompt. " +
		"Put the variations in braces, e.g. {red, blue}\n" +
		"\t--reformat: Only crops and resizes the attached image to the print canvas\n" +
		"\t--archive: Uploads the files I posted in this channel to its DropBox folder\n" +
		"I'll handle the rest and create your AI-generated image! :art:"
}

// GeneratorConfirmation announces the file name that is about to be delivered.
func GeneratorConfirmation(filename string) string {
	return fmt.Sprintf("Slack Bot will send a file with the name %s here... :hourglass_flowing_sand:", filename)
}

// DropboxUploadError reports a storage failure with its detail.
func DropboxUploadError(err error) string {
	return fmt.Sprintf("There was an error uploading to Dropbox: %v", err)
}
