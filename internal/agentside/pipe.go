package agentside

import (
	"io"
	"net"
	"sync"
)

// pipe splices a and b full-duplex until both directions are exhausted,
// propagating half-close the way Server.pipeConnections does on the server
// side. No byte accounting happens here: the agent is not the metering
// point.
func pipe(a, b net.Conn) {
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		closeWrite(a)
	}()
	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}
