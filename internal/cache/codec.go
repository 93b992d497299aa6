package cache

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope 是所有后端共用的条目序列化格式，携带原始 key 以便 Keys() 回读。
type envelope struct {
	Key      string              `msgpack:"k"`
	Status   int                 `msgpack:"s"`
	Header   map[string][]string `msgpack:"h"`
	Body     []byte              `msgpack:"b"`
	StoredAt int64               `msgpack:"t"`
}

func encodeEntry(key string, resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("encode %s: nil response", key)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	data, err := msgpack.Marshal(envelope{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		StoredAt: storedAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (string, *Response, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	header := http.Header(env.Header)
	if header == nil {
		header = http.Header{}
	}
	return env.Key, &Response{
		Status:   env.Status,
		Header:   header,
		Body:     env.Body,
		StoredAt: time.Unix(0, env.StoredAt).UTC(),
	}, nil
}
