// Command gate 运行 wsgate 网关：在同一端口接收原始 TCP 和 WebSocket 隧道的游戏连接，并转发到后端。
package main

import "wsgate/internal/app"

func main() {
	app.Main(app.RoleGate)
}
