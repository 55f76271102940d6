package utils

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

func GetFullAddress(addr string) string {
	if len(addr) > 0 {
		ret := addr
		if ':' == addr[0] {
			ret = fmt.Sprintf("localhost%s", ret)
		}
		return ret
	}

	return ""
}

func ExternalIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue // interface down
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue // loopback interface
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return "", err
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			ip = ip.To4()
			if ip == nil {
				continue // not an ipv4 address
			}
			return ip.String(), nil
		}
	}
	return "", errors.New("are you connected to the network?")
}

func GetHostName() string {
	if h := Conf().GetString("http.hostname"); h != "" {
		return h
	}
	port := Conf().GetInt("http.port")
	host, err := ExternalIP()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// IsPortInUse reports whether a local TCP port is already bound.
func IsPortInUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}

// JoinURL concatenates an RTMP host URL and a stream key with exactly one slash.
func JoinURL(base, key string) string {
	if key == "" {
		return base
	}
	if base == "" {
		return key
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
