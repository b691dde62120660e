// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Thermoquad/helioflash/pkg/transport"
)

// passwordEnv names the environment variable holding the bridge password.
const passwordEnv = "HELIOFLASH_PASSWORD"

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal, read a plain line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// connectionError marks a failure to open the port or bridge, as opposed
// to a failure of the session running over it.
type connectionError struct {
	err error
}

func (e *connectionError) Error() string {
	return "connection error: " + e.err.Error()
}

func (e *connectionError) Unwrap() error {
	return e.err
}

// connectionTarget describes where a handle should connect, without
// opening anything yet.
type connectionTarget struct {
	dialer transport.Dialer
	info   string
	name   string
}

func resolveTarget() (*connectionTarget, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, err
			}
		}

		cfg := transport.WebSocketConfig{
			URL:           wsURL,
			Username:      wsUsername,
			Password:      password,
			SkipSSLVerify: wsNoSSLVerify,
		}
		return &connectionTarget{
			dialer: transport.WebSocketDialer(cfg),
			info:   fmt.Sprintf("WebSocket: %s", wsURL),
			name:   wsURL,
		}, nil
	}

	if portName != "" {
		return &connectionTarget{
			dialer: transport.SerialDialer(portName),
			info:   fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate),
			name:   portName,
		}, nil
	}

	return nil, fmt.Errorf("either --port or --url must be specified")
}

// OpenConnection connects a transport handle to the port or bridge chosen
// on the command line, at the application baud rate.
func OpenConnection() (*transport.Handle, *connectionTarget, error) {
	target, err := resolveTarget()
	if err != nil {
		return nil, nil, err
	}
	h, err := openHandle(target)
	if err != nil {
		return nil, nil, err
	}
	return h, target, nil
}

func openHandle(target *connectionTarget) (*transport.Handle, error) {
	h := transport.NewHandle(target.dialer, lineMode(),
		transport.WithInvertedBoot(invertedBoot),
		transport.WithLogger(logger.Named("transport")),
	)
	h.OnDisconnect(func() {
		logger.Debug("transport disconnected", zap.String("target", target.name))
	})

	if err := h.Connect(); err != nil {
		return nil, err
	}
	return h, nil
}
