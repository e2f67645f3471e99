package nodemanager

import (
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// nodeIDNamespace 机器 ID 的 UUIDv5 命名空间
var nodeIDNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("agents-dispatch-node-id-v1"))

// GenerateNodeID 未配置 node.id 时生成稳定的机器 ID
//
// 来源依次为 /etc/machine-id、/var/lib/dbus/machine-id、hostname+MAC，
// 经 UUIDv5 哈希后使用，不直接暴露 machine-id；都取不到时返回随机 UUID。
func GenerateNodeID() string {
	if seed := machineSeed(); seed != "" {
		return uuid.NewSHA1(nodeIDNamespace, []byte(seed)).String()
	}
	return uuid.NewString()
}

func machineSeed() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, _ := os.Hostname()
	mac := firstMAC()
	if hostname == "" && mac == "" {
		return ""
	}
	return hostname + ":" + mac
}

func firstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
