// Package ffmpeg shells out to the ffmpeg binary to extract audio
// tracks from video payloads.
package ffmpeg
