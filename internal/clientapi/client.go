// Package clientapi implements the client side of the session protocol:
// CONNECT/SUBSCRIBE/UNSUBSCRIBE/DISCONNECT over named pipes.
package clientapi

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"kvsd/internal/wire"
)

// Notification is one decoded (key, value-or-DELETED) pair read off the
// notification stream.
type Notification struct {
	Key     string
	Value   string
	Deleted bool
}

// Client is one connected session's three named pipes plus the register
// pipe used only at connect time.
type Client struct {
	reqPath, respPath, notifPath string
	registerPath                 string

	req   io.WriteCloser
	resp  io.ReadCloser
	notif io.ReadCloser

	logger *zap.Logger
}

// New derives the three well-known pipe paths for id (/tmp/req<id>,
// /tmp/resp<id>, /tmp/notif<id>) and creates them as FIFOs if they don't
// already exist.
func New(id, registerPath string, logger *zap.Logger) (*Client, error) {
	c := &Client{
		reqPath:       fmt.Sprintf("/tmp/req%s", id),
		respPath:      fmt.Sprintf("/tmp/resp%s", id),
		notifPath:     fmt.Sprintf("/tmp/notif%s", id),
		registerPath:  registerPath,
		logger:        logger,
	}

	for _, p := range []string{c.respPath, c.notifPath, c.reqPath} {
		if err := unix.Mkfifo(p, 0666); err != nil && !errors.Is(err, os.ErrExist) && !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("clientapi: mkfifo %s: %w", p, err)
		}
	}
	return c, nil
}

// Connect sends the CONNECT frame to the registration pipe and waits for the
// two-byte [OP_CONNECT, status] response, then opens the request stream for
// writing. The register message is sent first and the response pipe opened
// after it, so the server's open of the write end can pair with it; the
// request pipe is opened only after a SUCCESS reply.
func (c *Client) Connect() error {
	server, err := os.OpenFile(c.registerPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("clientapi: open register pipe: %w", err)
	}
	defer server.Close()

	msg, err := wire.EncodeConnect(c.reqPath, c.respPath, c.notifPath)
	if err != nil {
		return fmt.Errorf("clientapi: encode connect: %w", err)
	}
	if _, err := server.Write(msg[:]); err != nil {
		c.Cleanup()
		return fmt.Errorf("clientapi: send connect: %w", err)
	}

	resp, err := os.OpenFile(c.respPath, os.O_RDONLY, 0)
	if err != nil {
		c.Cleanup()
		return fmt.Errorf("clientapi: open response pipe: %w", err)
	}
	c.resp = resp

	var ack [2]byte
	if _, err := io.ReadFull(resp, ack[:]); err != nil {
		c.Cleanup()
		return fmt.Errorf("clientapi: read connect response: %w", err)
	}
	if ack[1] != wire.StatusSuccess {
		c.Cleanup()
		return errors.New("clientapi: server refused connect")
	}

	req, err := os.OpenFile(c.reqPath, os.O_WRONLY, 0)
	if err != nil {
		c.Cleanup()
		return fmt.Errorf("clientapi: open request pipe: %w", err)
	}
	c.req = req

	notif, err := os.OpenFile(c.notifPath, os.O_RDONLY, 0)
	if err != nil {
		c.Cleanup()
		return fmt.Errorf("clientapi: open notification pipe: %w", err)
	}
	c.notif = notif

	return nil
}

// Subscribe sends a SUBSCRIBE request and reports whether the server
// accepted it.
func (c *Client) Subscribe(key string) (bool, error) {
	return c.subUnsub(wire.OpSubscribe, key)
}

// Unsubscribe sends an UNSUBSCRIBE request and reports whether the server
// accepted it.
func (c *Client) Unsubscribe(key string) (bool, error) {
	return c.subUnsub(wire.OpUnsubscribe, key)
}

func (c *Client) subUnsub(opcode byte, key string) (bool, error) {
	if len(key) > wire.MaxStringSize {
		return false, wire.ErrTruncated
	}
	// Request frame layout is [opcode(1)][key, NUL-padded(40)] = FrameSize
	// bytes total, mirroring api.c's add_to_message(message, key, 1, 41).
	frame := make([]byte, wire.FrameSize)
	frame[0] = opcode
	copy(frame[1:], key)

	if _, err := c.req.Write(frame); err != nil {
		c.Cleanup()
		return false, fmt.Errorf("clientapi: send request: %w", err)
	}

	var resp [2]byte
	if _, err := io.ReadFull(c.resp, resp[:]); err != nil {
		c.Cleanup()
		return false, fmt.Errorf("clientapi: read response: %w", err)
	}
	return resp[1] == wire.StatusOK, nil
}

// Disconnect sends DISCONNECT, waits for the SUCCESS acknowledgement, and
// cleans up local pipe state regardless of outcome.
func (c *Client) Disconnect() error {
	defer c.Cleanup()

	frame := make([]byte, wire.FrameSize)
	frame[0] = wire.OpDisconnect
	if _, err := c.req.Write(frame); err != nil {
		return fmt.Errorf("clientapi: send disconnect: %w", err)
	}

	var resp [2]byte
	if _, err := io.ReadFull(c.resp, resp[:]); err != nil {
		return fmt.Errorf("clientapi: read disconnect response: %w", err)
	}
	if resp[1] != wire.StatusSuccess {
		return errors.New("clientapi: server refused disconnect")
	}
	return nil
}

// Notifications starts a goroutine reading notification frame pairs and
// returns a channel of decoded pairs, closed when the notification stream
// errors or is closed (e.g. by Cleanup).
func (c *Client) Notifications() <-chan Notification {
	out := make(chan Notification)
	go func() {
		defer close(out)
		keyBuf := make([]byte, wire.FrameSize)
		valBuf := make([]byte, wire.FrameSize)
		for {
			if _, err := io.ReadFull(c.notif, keyBuf); err != nil {
				return
			}
			if _, err := io.ReadFull(c.notif, valBuf); err != nil {
				return
			}
			key := wire.Unpad(keyBuf)
			value := wire.Unpad(valBuf)
			deleted := value == "DELETED"
			out <- Notification{Key: key, Value: value, Deleted: deleted}
		}
	}()
	return out
}

// Cleanup closes every open stream and unlinks the three FIFOs this client
// owns: a client that leaves its FIFOs behind cannot reconnect under the
// same id.
func (c *Client) Cleanup() {
	if c.req != nil {
		c.req.Close()
	}
	if c.resp != nil {
		c.resp.Close()
	}
	if c.notif != nil {
		c.notif.Close()
	}
	os.Remove(c.reqPath)
	os.Remove(c.respPath)
	os.Remove(c.notifPath)
	if c.logger != nil {
		c.logger.Info("clientapi: cleaned up client pipes")
	}
}
