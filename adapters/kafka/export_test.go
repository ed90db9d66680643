package kafka

import "github.com/twmb/franz-go/pkg/kgo"

var RecordsOf = recordsOf

func RawOf(r Record) *kgo.Record {
	raw, _ := r.raw.(*kgo.Record)
	return raw
}
