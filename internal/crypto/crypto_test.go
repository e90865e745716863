package crypto

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well-known local devnet account #0
const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey(devKey, "hunter2")
	require.NoError(t, err)
	assert.Contains(t, string(blob), devAddress)
	assert.NotContains(t, string(blob), devKey[2:])

	pk, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	s, err := NewSigner(pk, 11155111)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddress), s.Address())

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestEncryptKeyRejectsBadInput(t *testing.T) {
	_, err := EncryptKey(devKey, "")
	require.Error(t, err)

	_, err = EncryptKey("0xzz", "pw")
	require.Error(t, err)

	_, err = EncryptKey("0x0102", "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 32-byte key")
}

func TestLoadKey(t *testing.T) {
	pk, err := LoadKey(KeyConfig{RawPrivateKey: devKey})
	require.NoError(t, err)
	require.NotNil(t, pk)

	path := filepath.Join(t.TempDir(), "wallet.json")
	addr, err := WriteKeyFile(path, devKey, "pw")
	require.NoError(t, err)
	assert.Equal(t, devAddress, addr)

	fromFile, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.True(t, pk.Equal(fromFile))

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
	_, err = LoadKey(KeyConfig{EncryptedKeyPath: filepath.Join(t.TempDir(), "missing.json"), KeyPassword: "pw"})
	require.Error(t, err)
}

func TestSignerSignTx(t *testing.T) {
	pk, err := LoadKey(KeyConfig{RawPrivateKey: devKey})
	require.NoError(t, err)
	s, err := NewSigner(pk, 11155111)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(11155111), s.ChainID())

	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.ChainID(),
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(tx)
	require.NoError(t, err)

	from, err := s.Sender(signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
	assert.Equal(t, uint64(7), signed.Nonce())
}

func TestNewSignerValidates(t *testing.T) {
	_, err := NewSigner(nil, 1)
	require.Error(t, err)

	pk, err := LoadKey(KeyConfig{RawPrivateKey: devKey})
	require.NoError(t, err)
	_, err = NewSigner(pk, 0)
	require.Error(t, err)
}
