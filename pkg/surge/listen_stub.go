//go:build !unix

package surge

import "github.com/yourusername/surge/pkg/surge/reactor"

// listenTCP is unavailable on platforms without the reactor.
func listenTCP(host string, port, backlog int) (int, int, error) {
	return -1, 0, reactor.ErrUnsupported
}

func closeFD(fd int) {}
