// Command sagaguard 运行幂等与补偿协调服务，并提供清理、卡住记录查询、迁移等运维子命令。
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
