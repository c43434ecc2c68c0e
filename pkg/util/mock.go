package util

import "github.com/influxdata/influxdb-client-go/api/write"

// MockWriteAPI satisfies api.WriteAPI with no-ops. It stands in whenever no
// InfluxDB endpoint is configured so metric call sites never nil-check.
type MockWriteAPI struct{}

func (m *MockWriteAPI) WriteRecord(line string) {}

func (m *MockWriteAPI) WritePoint(point *write.Point) {}

func (m *MockWriteAPI) Flush() {}

func (m *MockWriteAPI) Close() {}

func (m *MockWriteAPI) Errors() <-chan error { return nil }
