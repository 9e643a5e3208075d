package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	value    string
	err      error
	lastName string
	lastDec  bool
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if in.Name != nil {
		f.lastName = *in.Name
	}
	if in.WithDecryption != nil {
		f.lastDec = *in.WithDecryption
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Value: &f.value},
	}, nil
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeSSM{value: "plain-value"}
	c, err := New(api)
	require.NoError(t, err)

	got, err := c.GetParameter(context.Background(), " /chatbot/config/model-catalog ")
	require.NoError(t, err)
	require.Equal(t, "plain-value", got)
	require.Equal(t, "/chatbot/config/model-catalog", api.lastName)
	require.True(t, api.lastDec)
}

func TestGetParameter_EmptyName(t *testing.T) {
	c, err := New(&fakeSSM{})
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "  ")
	require.Error(t, err)
}

func TestGetParameter_SSMError(t *testing.T) {
	c, err := New(&fakeSSM{err: errors.New("ParameterNotFound")})
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "/chatbot/missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "/chatbot/missing")
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &nilParamSSM{}
	c, err := New(api)
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "/chatbot/x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

type nilParamSSM struct{}

func (nilParamSSM) GetParameter(context.Context, *ssm.GetParameterInput, ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return &ssm.GetParameterOutput{}, nil
}

type staticGetter struct {
	value string
	err   error
}

func (s staticGetter) GetParameter(context.Context, string) (string, error) {
	return s.value, s.err
}

func TestToken_HappyPath(t *testing.T) {
	got, err := Token(context.Background(), staticGetter{value: `{"token":"bot-secret"}`}, "/chatbot/telegram-token")
	require.NoError(t, err)
	require.Equal(t, "bot-secret", got)
}

func TestToken_NotJSON(t *testing.T) {
	_, err := Token(context.Background(), staticGetter{value: "raw-secret"}, "/chatbot/telegram-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "JSON")
}

func TestToken_EmptyToken(t *testing.T) {
	_, err := Token(context.Background(), staticGetter{value: `{"token":""}`}, "/chatbot/telegram-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}

func TestToken_GetterError(t *testing.T) {
	_, err := Token(context.Background(), staticGetter{err: errors.New("throttled")}, "/chatbot/telegram-token")
	require.Error(t, err)
}

func TestToken_NilGetterAndEmptyName(t *testing.T) {
	_, err := Token(context.Background(), nil, "/x")
	require.Error(t, err)
	_, err = Token(context.Background(), staticGetter{}, " ")
	require.Error(t, err)
}
