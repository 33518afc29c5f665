// Command youtube-uploader uploads videos and custom thumbnails to YouTube
// over the resumable upload protocol.
package main

import "github.com/tonimelisma/youtube-uploader/cmd"

func main() {
	cmd.Execute()
}
