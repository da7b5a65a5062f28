package vm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// QMPClient speaks QEMU's JSON-line Machine Protocol over a unix domain
// socket, used here only for the ACPI system_powerdown command during
// graceful Stop.
type QMPClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

type qmpGreeting struct {
	QMP struct {
		Version map[string]interface{} `json:"version"`
	} `json:"QMP"`
}

type qmpCommand struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
}

type qmpResponse struct {
	Return json.RawMessage `json:"return"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
	Event string `json:"event"`
}

// DialQMP connects to a running VM's QMP socket and completes the
// capabilities-negotiation handshake QEMU requires before accepting
// commands.
func DialQMP(socketPath string) (*QMPClient, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("qmp: dial %s: %w", socketPath, err)
	}
	c := &QMPClient{conn: conn, reader: bufio.NewReader(conn)}

	var greeting qmpGreeting
	if err := c.readInto(&greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("qmp: read greeting: %w", err)
	}

	if err := c.Execute("qmp_capabilities", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("qmp: negotiate capabilities: %w", err)
	}
	return c, nil
}

// Execute sends a command and waits for its matching return/error
// response, skipping over any asynchronous event lines in between.
func (c *QMPClient) Execute(command string, arguments interface{}) error {
	payload, err := marshalQMP(qmpCommand{Execute: command, Arguments: arguments})
	if err != nil {
		return fmt.Errorf("qmp: marshal command %s: %w", command, err)
	}
	payload = append(payload, '\n')
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("qmp: write command %s: %w", command, err)
	}

	for {
		var resp qmpResponse
		if err := c.readInto(&resp); err != nil {
			return fmt.Errorf("qmp: read response to %s: %w", command, err)
		}
		if resp.Event != "" {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("qmp: %s failed: %s: %s", command, resp.Error.Class, resp.Error.Desc)
		}
		return nil
	}
}

func (c *QMPClient) readInto(v interface{}) error {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// Close releases the underlying socket.
func (c *QMPClient) Close() error {
	return c.conn.Close()
}
