/*
 *
 * ghost - synchronous browser automation over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/grafana/ghost/log"
	"github.com/grafana/ghost/osext"
	"github.com/grafana/ghost/storage"
)

// BrowserProcess is a locally launched browser.
type BrowserProcess struct {
	cancel context.CancelFunc

	process *os.Process
	done    chan struct{}

	// Browser's WebSocket URL to speak CDP
	wsURL string

	closeOnce sync.Once
	logger    *log.Logger
}

// NewBrowserProcess starts the browser at path and waits until it reports
// its DevTools URL. The user data directory is removed once the process
// exits.
func NewBrowserProcess(
	ctx context.Context, path string, args []string, dataDir *storage.Dir, logger *log.Logger,
) (*BrowserProcess, error) {
	procCtx, cancel := context.WithCancel(context.Background())

	cmd, err := execute(procCtx, path, args, dataDir, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	wsURL, err := parseDevToolsURL(ctx, cmd)
	if err != nil {
		cancel()
		<-cmd.done
		return nil, fmt.Errorf("getting DevTools URL: %w", err)
	}

	return &BrowserProcess{
		cancel:  cancel,
		process: cmd.Process,
		done:    cmd.done,
		wsURL:   wsURL,
		logger:  logger,
	}, nil
}

// Terminate kills the browser process and waits until it has exited.
func (p *BrowserProcess) Terminate() {
	p.closeOnce.Do(func() {
		p.logger.Debugf("BrowserProcess:Terminate", "pid:%d", p.Pid())
		p.cancel()
		<-p.done
	})
}

// Done is closed once the process has exited.
func (p *BrowserProcess) Done() <-chan struct{} {
	return p.done
}

// WsURL returns the Websocket URL that the browser is listening on for CDP clients.
func (p *BrowserProcess) WsURL() string {
	return p.wsURL
}

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int {
	return p.process.Pid
}

type command struct {
	*exec.Cmd
	done   chan struct{}
	stderr io.Reader
}

func execute(
	ctx context.Context, path string, args []string, dataDir *storage.Dir, logger *log.Logger,
) (command, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	osext.KillAfterParent(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return command{}, fmt.Errorf("%w", err)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	if errors.Is(err, fs.ErrNotExist) {
		return command{}, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return command{}, fmt.Errorf("starting browser: %w", err)
	}
	osext.Register(logger, cmd.Process.Pid)

	done := make(chan struct{})
	go func() {
		defer func() {
			osext.Unregister(logger, cmd.Process.Pid)
			if err := dataDir.Cleanup(); err != nil {
				logger.Errorf("BrowserProcess", "cleaning up the user data directory: %v", err)
			}
			close(done)
		}()

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Errorf("BrowserProcess",
				"process with PID %d unexpectedly ended: %v",
				cmd.Process.Pid, err)
		}
	}()

	return command{cmd, done, stderr}, nil
}

// parseDevToolsURL grabs the WebSocket address from Chrome's output and returns
// it. If the process ends abruptly, it will return the first error from stderr.
func parseDevToolsURL(ctx context.Context, cmd command) (_ string, err error) {
	parser := &devToolsURLParser{
		sc: bufio.NewScanner(cmd.stderr),
	}
	done := make(chan struct{})
	go func() {
		for parser.scan() {
		}
		close(done)
	}()
	for err == nil {
		select {
		case <-done:
			err = parser.err()
		case <-ctx.Done():
			err = ctx.Err()
		case <-cmd.done:
			err = errors.New("browser process ended unexpectedly")
		}
	}
	if parser.url != "" {
		err = nil
	}

	return parser.url, err
}

type devToolsURLParser struct {
	sc *bufio.Scanner

	errs []error
	url  string
}

func (p *devToolsURLParser) scan() bool {
	if !p.sc.Scan() {
		return false
	}

	const urlPrefix = "DevTools listening on "

	line := p.sc.Text()
	if strings.HasPrefix(line, urlPrefix) {
		p.url = strings.TrimPrefix(strings.TrimSpace(line), urlPrefix)
	}
	if strings.Contains(line, ":ERROR:") {
		if i := strings.Index(line, "] "); i > 0 {
			p.errs = append(p.errs, errors.New(line[i+2:]))
		}
	}

	return p.url == ""
}

func (p *devToolsURLParser) err() error {
	if p.url != "" {
		return io.EOF
	}
	if len(p.errs) > 0 {
		return p.errs[0]
	}

	err := p.sc.Err()
	if errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("browser process shutdown unexpectedly before establishing a connection: %w", err)
	}
	if err != nil {
		return err
	}

	return io.ErrUnexpectedEOF
}
