package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord rejects bot uploads over 25 MiB, don't bother fetching more.
const maxUploadSize = 25 << 20

type fileFetcher struct {
	client  *http.Client
	maxSize int64
}

func newFileFetcher() *fileFetcher {
	return &fileFetcher{
		client:  &http.Client{Timeout: 60 * time.Second},
		maxSize: maxUploadSize,
	}
}

// fetch downloads fileURL, failing on non-200 responses and on bodies over
// the upload limit (the caller falls back to thumbnails).
func (ff *fileFetcher) fetch(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := ff.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, ff.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > ff.maxSize {
		return nil, fmt.Errorf("file exceeds the %d byte upload limit", ff.maxSize)
	}
	return data, nil
}

// download fetches fileURL into an attachable discordgo file.
func (ff *fileFetcher) download(ctx context.Context, fileURL, name string) (*discordgo.File, error) {
	data, err := ff.fetch(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	return &discordgo.File{Name: name, Reader: bytes.NewReader(data)}, nil
}

// thumbName extracts the filename from a thumbnail URL. Slack thumbnail
// URLs carry the correct extension for the thumbnail format.
func thumbName(thumbURL string) string {
	u, err := url.Parse(thumbURL)
	if err != nil || u.Path == "" {
		return "thumbnail"
	}
	return path.Base(u.Path)
}
