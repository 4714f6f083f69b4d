// Command bridge 在本地暴露游戏端口，并通过 ws:// 或 wss:// 隧道连接到 wsgate 网关。
package main

import "wsgate/internal/app"

func main() {
	app.Main(app.RoleBridge)
}
