// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

// fetchTimeout bounds a whole download.
const fetchTimeout = 60 * time.Second

// Fetch downloads an image over HTTP(S).
func Fetch(ctx context.Context, rawURL string, base uint32) (*stm32boot.Image, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use http:// or https://)", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download firmware: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download firmware: HTTP %d", resp.StatusCode)
	}

	// Hex files are roughly 2.8x the binary they describe
	limit := int64(MaxImageSize)*3 + 1
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to download firmware: %w", err)
	}
	if int64(len(data)) == limit {
		return nil, fmt.Errorf("firmware download exceeds %d bytes", limit-1)
	}

	return Decode(data, DetectFormat(u.Path), base)
}
