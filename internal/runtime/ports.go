package runtime

import "strconv"

// PortKey formats a container port and protocol as "<port>/<proto>".
func PortKey(port int, proto Protocol) string {
	if proto == "" {
		proto = TCP
	}
	return strconv.Itoa(port) + "/" + string(proto)
}
