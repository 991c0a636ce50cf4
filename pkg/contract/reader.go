package contract

import (
	"context"
	"io"
)

// Reader: 输入源抽象（文件/目录/STDIN）。
// 约束：
// 1) 流式读取，按文件维度回调；
// 2) FileID 稳定且去平台差异化；
// 3) 不做解码/业务解析，仅提供字节流；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, r io.ReadCloser) error) error
}

// Loader: 将单文件字节流解析为有序 Sentence 序列，并分配 Seq（0..n-1）。
// 约束：
// 1) 不跨文件合并；
// 2) Seq 严格递增且稳定；ID 缺省时按位置合成且同文件内唯一；
// 3) 不改变文本语义（仅做 CRLF→LF 与首尾空白的最小必要归一）；
// 4) 无内部并发、幂等。
type Loader interface {
	Load(ctx context.Context, fileID FileID, r io.Reader) ([]Sentence, error)
}
