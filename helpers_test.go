package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

// captureOutput 把 stdOut/stdErr 换成内存缓冲，测试结束后恢复。
func captureOutput(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = out, errOut
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return out, errOut
}

// fixturePath 指向 internal/config/testdata 下的样例配置，go test 以包目录为工作目录。
func fixturePath(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}
