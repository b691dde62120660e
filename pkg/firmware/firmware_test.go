// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

// hexRecord renders one Intel HEX line with a correct checksum.
func hexRecord(recType byte, offset uint16, payload ...byte) string {
	rec := []byte{byte(len(payload)), byte(offset >> 8), byte(offset), recType}
	rec = append(rec, payload...)
	var sum byte
	for _, b := range rec {
		sum += b
	}
	rec = append(rec, -sum)
	return fmt.Sprintf(":%X", rec)
}

func TestHexRecordHelper(t *testing.T) {
	// Reference lines from typical STM32 toolchain output
	if got := hexRecord(recExtLinear, 0, 0x08, 0x00); got != ":020000040800F2" {
		t.Errorf("extended linear record %s", got)
	}
	if got := hexRecord(recEOF, 0); got != ":00000001FF" {
		t.Errorf("EOF record %s", got)
	}
}

func TestParseHex(t *testing.T) {
	src := strings.Join([]string{
		hexRecord(recExtLinear, 0, 0x08, 0x00),
		hexRecord(recData, 0x0000, 0x00, 0x50, 0x00, 0x20),
		hexRecord(recData, 0x0004, 0x01, 0x01, 0x00, 0x08),
		// Gap of four bytes is padded with 0xFF
		hexRecord(recData, 0x000C, 0xAA, 0xBB),
		hexRecord(recStartLinear, 0, 0x08, 0x00, 0x01, 0x01),
		hexRecord(recEOF, 0),
		"",
	}, "\r\n")

	img, start, err := ParseHex(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseHex failed: %v", err)
	}
	if img.Address != stm32boot.FlashBase {
		t.Errorf("image at 0x%08X, want 0x%08X", img.Address, stm32boot.FlashBase)
	}
	want := []byte{0x00, 0x50, 0x00, 0x20, 0x01, 0x01, 0x00, 0x08, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB}
	if !bytes.Equal(img.Data, want) {
		t.Errorf("image % X, want % X", img.Data, want)
	}
	if start != 0x08000101 {
		t.Errorf("start 0x%08X", start)
	}
}

func TestDecode_StartAddress(t *testing.T) {
	withStart := hexRecord(recData, 0, 0x01, 0x02) + "\n" +
		hexRecord(recStartLinear, 0, 0x08, 0x00, 0x01, 0xC1) + "\n" +
		hexRecord(recEOF, 0) + "\n"
	withoutStart := hexRecord(recData, 0, 0x01, 0x02) + "\n" +
		hexRecord(recEOF, 0) + "\n"

	tests := []struct {
		name      string
		data      []byte
		format    Format
		wantEntry bool
	}{
		{"hex with start record", []byte(withStart), FormatHex, true},
		{"hex without start record", []byte(withoutStart), FormatHex, false},
		{"binary", []byte{0x00, 0x50, 0x00, 0x20}, FormatBinary, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(tt.data, tt.format, stm32boot.FlashBase)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if img.HasEntry != tt.wantEntry {
				t.Fatalf("HasEntry = %v, want %v", img.HasEntry, tt.wantEntry)
			}
			if tt.wantEntry && img.Entry != 0x080001C1 {
				t.Errorf("entry 0x%08X, want 0x080001C1", img.Entry)
			}
		})
	}
}

func TestParseHex_ExtendedSegment(t *testing.T) {
	src := hexRecord(recExtSegment, 0, 0x10, 0x00) + "\n" +
		hexRecord(recData, 0x0010, 0x01, 0x02) + "\n" +
		hexRecord(recEOF, 0) + "\n"

	img, start, err := ParseHex(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseHex failed: %v", err)
	}
	if img.Address != 0x10010 {
		t.Errorf("image at 0x%08X, want 0x00010010", img.Address)
	}
	if start != NoStartAddress {
		t.Errorf("start 0x%08X without a start record", start)
	}
}

func TestParseHex_Errors(t *testing.T) {
	good := hexRecord(recData, 0, 0x01, 0x02)
	eof := hexRecord(recEOF, 0)
	badSum := good[:len(good)-2] + "00"

	tests := []struct {
		name string
		src  string
	}{
		{"missing colon", "0200000001020B\n" + eof},
		{"bad checksum", badSum + "\n" + eof},
		{"not hex", ":ZZ\n" + eof},
		{"length mismatch", ":0400000001020B\n" + eof},
		{"no eof", good + "\n"},
		{"data after eof", eof + "\n" + good},
		{"unknown type", hexRecord(0x07, 0, 0x00) + "\n" + eof},
		{"no data", eof},
		{"span too large", hexRecord(recData, 0, 0x01) + "\n" +
			hexRecord(recExtLinear, 0, 0x10, 0x00) + "\n" +
			hexRecord(recData, 0, 0x01) + "\n" + eof},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseHex(strings.NewReader(tt.src)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	bin := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(bin, []byte{1, 2, 3, 4}, 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := ReadFile(bin, stm32boot.FlashBase+0x4000)
	if err != nil {
		t.Fatalf("ReadFile(bin) failed: %v", err)
	}
	if img.Address != stm32boot.FlashBase+0x4000 || len(img.Data) != 4 {
		t.Errorf("binary image %+v", img)
	}

	ihex := filepath.Join(dir, "app.HEX")
	src := hexRecord(recExtLinear, 0, 0x08, 0x00) + "\n" + hexRecord(recData, 0x0100, 0xDE, 0xAD) + "\n" + hexRecord(recEOF, 0) + "\n"
	if err := os.WriteFile(ihex, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err = ReadFile(ihex, 0)
	if err != nil {
		t.Fatalf("ReadFile(hex) failed: %v", err)
	}
	if img.Address != stm32boot.FlashBase+0x100 || !bytes.Equal(img.Data, []byte{0xDE, 0xAD}) {
		t.Errorf("hex image at 0x%08X: % X", img.Address, img.Data)
	}

	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(empty, 0); !errors.Is(err, stm32boot.ErrEmptyImage) {
		t.Errorf("empty file: expected ErrEmptyImage, got %v", err)
	}

	if _, err := ReadFile(filepath.Join(dir, "missing.bin"), 0); err == nil {
		t.Error("missing file accepted")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fw/app.bin":
			w.Write([]byte{0xCA, 0xFE})
		case "/fw/app.hex":
			fmt.Fprintln(w, hexRecord(recData, 0x0010, 0x01))
			fmt.Fprintln(w, hexRecord(recEOF, 0))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()

	img, err := Load(ctx, srv.URL+"/fw/app.bin", stm32boot.FlashBase)
	if err != nil {
		t.Fatalf("Load(bin) failed: %v", err)
	}
	if img.Address != stm32boot.FlashBase || !bytes.Equal(img.Data, []byte{0xCA, 0xFE}) {
		t.Errorf("fetched binary %+v", img)
	}

	img, err = Load(ctx, srv.URL+"/fw/app.hex", stm32boot.FlashBase)
	if err != nil {
		t.Fatalf("Load(hex) failed: %v", err)
	}
	if img.Address != 0x10 {
		t.Errorf("fetched hex at 0x%08X", img.Address)
	}

	if _, err := Load(ctx, srv.URL+"/fw/missing.bin", 0); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected HTTP 404 error, got %v", err)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{
		"firmware.bin":         FormatBinary,
		"firmware.hex":         FormatHex,
		"build/FIRMWARE.IHEX":  FormatHex,
		"/releases/v4/mod.ihx": FormatHex,
		"no-extension":         FormatBinary,
		"archive.hex.bin":      FormatBinary,
	}
	for name, want := range tests {
		if got := DetectFormat(name); got != want {
			t.Errorf("DetectFormat(%q) = %v, want %v", name, got, want)
		}
	}
}
