package mirror

import (
	"github.com/goburrow/modbus"
)

// MockHandler implements Handler
type MockHandler struct {
	ConnectErr error
	Connects   int
	Closes     int
}

func (m *MockHandler) Connect() error {
	m.Connects++
	return m.ConnectErr
}
func (m *MockHandler) Close() error {
	m.Closes++
	return nil
}
func (m *MockHandler) Send(aduRequest []byte) (aduResponse []byte, err error) {
	return []byte{}, nil
}
func (m *MockHandler) Verify(aduRequest []byte, aduResponse []byte) (err error) {
	return nil
}
func (m *MockHandler) Decode(aduResponse []byte) (pdu *modbus.ProtocolDataUnit, err error) {
	return &modbus.ProtocolDataUnit{}, nil
}
func (m *MockHandler) Encode(pdu *modbus.ProtocolDataUnit) (adu []byte, err error) {
	return []byte{}, nil
}

// MockClient implements modbus.Client; only register writes are recorded.
type MockClient struct {
	WriteMultipleRegistersFunc func(address, quantity uint16, value []byte) ([]byte, error)
}

func (m *MockClient) ReadCoils(address, quantity uint16) ([]byte, error) { return []byte{}, nil }
func (m *MockClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return []byte{}, nil
}
func (m *MockClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return []byte{}, nil
}
func (m *MockClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return []byte{}, nil
}
func (m *MockClient) WriteSingleCoil(address, value uint16) ([]byte, error) { return []byte{}, nil }
func (m *MockClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return []byte{}, nil
}
func (m *MockClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return []byte{}, nil
}
func (m *MockClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if m.WriteMultipleRegistersFunc != nil {
		return m.WriteMultipleRegistersFunc(address, quantity, value)
	}
	return []byte{}, nil
}
func (m *MockClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return []byte{}, nil
}
func (m *MockClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return []byte{}, nil
}
func (m *MockClient) ReadFIFOQueue(address uint16) ([]byte, error) {
	return []byte{}, nil
}
