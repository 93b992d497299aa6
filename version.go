package main

import (
	"fmt"

	"github.com/any-hub/shellcache/internal/version"
)

// printVersion 输出版本与提交信息，--version 不需要加载配置。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
