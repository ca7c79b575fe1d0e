package store

import (
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) GetUser(id string) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetUserByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetContacts(userId string) ([]string, error) {
	args := m.Called(userId)
	if contacts, ok := args.Get(0).([]string); ok {
		return contacts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessageById(id int64) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetPendingMessages(recipientId string) ([]Message, error) {
	args := m.Called(recipientId)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) MarkMessageDelivered(id int64) (bool, error) {
	args := m.Called(id)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) MarkMessageRead(id int64, recipientId string) (Message, error) {
	args := m.Called(id, recipientId)
	return args.Get(0).(Message), args.Error(1)
}
