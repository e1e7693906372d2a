//go:build !js

package pipeline

import (
	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type indexParquetRow struct {
	RecordIndex      int64  `parquet:"name=record_index, type=INT64"`
	FileOffset       int64  `parquet:"name=file_offset, type=INT64"`
	SizeBytes        int32  `parquet:"name=size_bytes, type=INT32"`
	RecordKind       string `parquet:"name=record_kind, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	LocalMessageType int32  `parquet:"name=local_message_type, type=INT32"`
	GlobalMessageNum int32  `parquet:"name=global_message_num, type=INT32"`
	MessageName      string `parquet:"name=message_name, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	TimestampUTC     string `parquet:"name=timestamp_utc, type=BYTE_ARRAY, convertedtype=UTF8"`
	InvalidFields    int32  `parquet:"name=invalid_fields, type=INT32"`
}

func marshalIndexParquet(rows []IndexRow) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(indexParquetRow), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range rows {
		row := indexParquetRow{
			RecordIndex:      int64(r.RecordIndex),
			FileOffset:       r.FileOffset,
			SizeBytes:        int32(r.SizeBytes),
			RecordKind:       r.RecordKind,
			LocalMessageType: int32(r.LocalMessageType),
			GlobalMessageNum: int32(r.GlobalMessageNum),
			MessageName:      r.MessageName,
			TimestampUTC:     r.TimestampUTC,
			InvalidFields:    int32(r.InvalidFields),
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}
