package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrNotEnrolled        = errors.New("mfa is not configured for user")
	ErrAlreadyEnrolled    = errors.New("mfa is already enabled for user")
	ErrInvalidCode        = errors.New("invalid mfa code")
	ErrInvalidMethod      = errors.New("invalid mfa method")
	ErrSecretRequired     = errors.New("secret or contact is required")
	ErrChannelUnavailable = errors.New("delivery channel not available")
)

// accepted codes are remembered long enough to cover the validation skew
// window
const usedCodeWindowSeconds = 90

const totpPeriodSeconds = 30

// ChannelSender delivers a challenge code out of band. Email is backed by
// services/mail; sms needs an external gateway and is wired only when one
// is configured.
type ChannelSender interface {
	SendChallengeCode(destination, code string) error
}

type Service struct {
	db          *gorm.DB
	config      *config.Config
	logger      *logging.Service
	audit       *audit.Service
	emailSender ChannelSender
	smsSender   ChannelSender
	now         func() time.Time
}

func NewService(db *gorm.DB, cfg *config.Config, logger *logging.Service, auditSvc *audit.Service) *Service {
	if logger != nil {
		logger.Info("initializing mfa service",
			zap.String("issuer", cfg.MFA.Issuer),
			zap.Int("backup_code_count", cfg.MFA.BackupCodeCount),
			zap.Duration("challenge_expiry", cfg.MFA.ChallengeExpiry))
	}

	return &Service{
		db:     db,
		config: cfg,
		logger: logger,
		audit:  auditSvc,
		now:    time.Now,
	}
}

func (s *Service) SetEmailSender(sender ChannelSender) {
	s.emailSender = sender
}

func (s *Service) SetSMSSender(sender ChannelSender) {
	s.smsSender = sender
}

// SetupTOTP generates a fresh TOTP key for the client to provision. The
// secret is not persisted here; enrollment stores it only once the user
// has proven possession with a valid code.
func (s *Service) SetupTOTP(userID, accountName string) (*otp.Key, error) {
	if accountName == "" {
		accountName = userID
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer(),
		AccountName: accountName,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to generate totp key",
				zap.Error(err),
				zap.String("user_id", userID))
		}
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("totp key generated",
			zap.String("user_id", userID),
			zap.String("account_name", accountName))
	}

	return key, nil
}

// Enroll activates a factor for the user. The proof code must verify
// against the offered secret or contact before anything is stored. On
// success the backup code set is returned in clear exactly once.
func (s *Service) Enroll(userID, method, secretOrContact, proofCode string) ([]string, error) {
	if method != MethodTOTP && method != MethodSMS && method != MethodEmail {
		return nil, ErrInvalidMethod
	}
	if secretOrContact == "" {
		return nil, ErrSecretRequired
	}

	var existing Configuration
	err := s.db.Where("user_id = ?", userID).First(&existing).Error
	switch {
	case err == nil && existing.Enabled:
		if s.logger != nil {
			s.logger.Warn("mfa enrollment rejected, already enabled",
				zap.String("user_id", userID))
		}
		return nil, ErrAlreadyEnrolled
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to check mfa configuration: %w", err)
	}

	switch method {
	case MethodTOTP:
		if !s.validTOTPCode(secretOrContact, proofCode) {
			return nil, ErrInvalidCode
		}
	case MethodSMS, MethodEmail:
		ok, err := s.consumeChannelCode(userID, proofCode)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidCode
		}
	}

	codes, hashes, err := s.generateBackupCodes()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	secret, contact := "", ""
	if method == MethodTOTP {
		secret = secretOrContact
	} else {
		contact = secretOrContact
	}

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if existing.ID != 0 {
			existing.Method = method
			existing.Secret = secret
			existing.Contact = contact
			existing.Enabled = true
			existing.CreatedAt = now
			existing.LastUsedAt = nil
			existing.DisabledAt = nil
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("failed to update mfa configuration: %w", err)
			}
		} else {
			row := Configuration{
				UserID:    userID,
				Method:    method,
				Secret:    secret,
				Contact:   contact,
				Enabled:   true,
				CreatedAt: now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to store mfa configuration: %w", err)
			}
		}

		if err := tx.Where("user_id = ?", userID).Delete(&BackupCode{}).Error; err != nil {
			return fmt.Errorf("failed to clear old backup codes: %w", err)
		}

		rows := make([]BackupCode, 0, len(hashes))
		for _, hash := range hashes {
			rows = append(rows, BackupCode{UserID: userID, CodeHash: hash, CreatedAt: now})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to store backup codes: %w", err)
		}

		return nil
	})
	if txErr != nil {
		if s.logger != nil {
			s.logger.Error("mfa enrollment failed", zap.Error(txErr), zap.String("user_id", userID))
		}
		return nil, txErr
	}

	if s.audit != nil {
		s.audit.Record(audit.Event{
			UserID:  userID,
			Action:  audit.ActionMFAEnabled,
			Success: true,
			Details: map[string]any{"method": method},
		})
	}

	if s.logger != nil {
		s.logger.Info("mfa enrolled",
			zap.String("user_id", userID),
			zap.String("method", method),
			zap.Int("backup_codes", len(codes)))
	}

	return codes, nil
}

// StartChannelChallenge mints a 6-digit code, stores its hash with a
// short expiry, and hands it to the method's sender. With no explicit
// destination the enrolled contact is used. Delivery is awaited only up
// to the send call.
func (s *Service) StartChannelChallenge(userID, method, destination string) (time.Time, error) {
	if destination == "" {
		cfgRow, err := s.enabledConfiguration(userID)
		if err != nil {
			return time.Time{}, err
		}
		if cfgRow.Method != MethodSMS && cfgRow.Method != MethodEmail {
			return time.Time{}, ErrInvalidMethod
		}
		method = cfgRow.Method
		destination = cfgRow.Contact
	}
	if method != MethodSMS && method != MethodEmail {
		return time.Time{}, ErrInvalidMethod
	}

	sender := s.senderFor(method)
	if sender == nil {
		if s.logger != nil {
			s.logger.Warn("mfa challenge requested but channel has no sender",
				zap.String("method", method))
		}
		return time.Time{}, ErrChannelUnavailable
	}

	code, err := generateChallengeCode()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to generate challenge code: %w", err)
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.config.MFA.ChallengeExpiry)
	challenge := ChannelChallenge{
		UserID:    userID,
		CodeHash:  hashChallengeCode(code),
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.db.Create(&challenge).Error; err != nil {
		return time.Time{}, fmt.Errorf("failed to store challenge: %w", err)
	}

	if err := sender.SendChallengeCode(destination, code); err != nil {
		if s.logger != nil {
			s.logger.Error("failed to deliver challenge code",
				zap.Error(err),
				zap.String("user_id", userID),
				zap.String("method", method))
		}
		return time.Time{}, fmt.Errorf("failed to deliver challenge code: %w", err)
	}

	if s.audit != nil {
		s.audit.Record(audit.Event{
			UserID:  userID,
			Action:  audit.ActionMFAChallengeSent,
			Success: true,
			Details: map[string]any{"method": method},
		})
	}

	if s.logger != nil {
		s.logger.Info("mfa challenge sent",
			zap.String("user_id", userID),
			zap.String("method", method),
			zap.Time("expires_at", expiresAt))
	}

	return expiresAt, nil
}

// Verify checks one code against the user's enrolled factor. A failed
// check is a false return, not an error; errors are reserved for missing
// enrollment and storage trouble. Every call lands in the audit trail.
func (s *Service) Verify(userID, method, code string) (bool, error) {
	cfgRow, err := s.enabledConfiguration(userID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			s.auditVerify(userID, method, false, "not_enrolled")
		}
		return false, err
	}

	if method == "" {
		method = cfgRow.Method
	}

	ok, detail, err := s.verifyWithMethod(cfgRow, method, code)
	if err != nil {
		return false, err
	}

	s.auditVerify(userID, method, ok, detail)

	if ok {
		s.touchLastUsed(cfgRow)
	}

	if s.logger != nil {
		s.logger.Info("mfa verification",
			zap.String("user_id", userID),
			zap.String("method", method),
			zap.Bool("ok", ok))
	}

	return ok, nil
}

func (s *Service) verifyWithMethod(cfgRow *Configuration, method, code string) (bool, string, error) {
	switch method {
	case MethodBackup:
		ok, err := s.consumeBackupCode(cfgRow.UserID, code)
		return ok, "", err
	case MethodTOTP:
		if cfgRow.Method != MethodTOTP {
			return false, "method_mismatch", nil
		}
		if !s.validTOTPCode(cfgRow.Secret, code) {
			return false, "", nil
		}
		fresh, err := s.consumeTOTPCode(cfgRow.UserID, code)
		if err != nil {
			return false, "", err
		}
		if !fresh {
			return false, "code_replayed", nil
		}
		return true, "", nil
	case MethodSMS, MethodEmail:
		if cfgRow.Method != method {
			return false, "method_mismatch", nil
		}
		ok, err := s.consumeChannelCode(cfgRow.UserID, code)
		return ok, "", err
	default:
		return false, "unknown_method", nil
	}
}

// Disable turns the user's factor off. It demands a fresh successful
// verification, accepting a backup code when the primary method cannot be
// produced.
func (s *Service) Disable(userID, proofCode string) error {
	cfgRow, err := s.enabledConfiguration(userID)
	if err != nil {
		return err
	}

	ok, err := s.proveFresh(userID, proofCode)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}

	now := s.now().UTC()
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Configuration{}).
			Where("id = ? AND enabled = ?", cfgRow.ID, true).
			Updates(map[string]any{"enabled": false, "disabled_at": now}).Error
		if err != nil {
			return fmt.Errorf("failed to disable mfa: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&BackupCode{}).Error; err != nil {
			return fmt.Errorf("failed to remove backup codes: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&ChannelChallenge{}).Error; err != nil {
			return fmt.Errorf("failed to remove pending challenges: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&UsedCode{}).Error; err != nil {
			return fmt.Errorf("failed to clean up used codes: %w", err)
		}
		return nil
	})
	if txErr != nil {
		if s.logger != nil {
			s.logger.Error("mfa disable failed", zap.Error(txErr), zap.String("user_id", userID))
		}
		return txErr
	}

	if s.audit != nil {
		s.audit.Record(audit.Event{
			UserID:  userID,
			Action:  audit.ActionMFADisabled,
			Success: true,
			Details: map[string]any{"method": cfgRow.Method},
		})
	}

	if s.logger != nil {
		s.logger.Info("mfa disabled", zap.String("user_id", userID))
	}

	return nil
}

// RegenerateBackupCodes replaces the whole backup set after a fresh
// successful verification. The previous codes stop working immediately.
func (s *Service) RegenerateBackupCodes(userID, proofCode string) ([]string, error) {
	if _, err := s.enabledConfiguration(userID); err != nil {
		return nil, err
	}

	ok, err := s.proveFresh(userID, proofCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	codes, hashes, err := s.generateBackupCodes()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&BackupCode{}).Error; err != nil {
			return fmt.Errorf("failed to clear old backup codes: %w", err)
		}
		rows := make([]BackupCode, 0, len(hashes))
		for _, hash := range hashes {
			rows = append(rows, BackupCode{UserID: userID, CodeHash: hash, CreatedAt: now})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to store backup codes: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	if s.audit != nil {
		s.audit.Record(audit.Event{
			UserID:  userID,
			Action:  audit.ActionMFACodesRegenerated,
			Success: true,
			Details: map[string]any{"count": len(codes)},
		})
	}

	if s.logger != nil {
		s.logger.Info("backup codes regenerated",
			zap.String("user_id", userID),
			zap.Int("count", len(codes)))
	}

	return codes, nil
}

// Get returns the user's configuration regardless of enabled state.
func (s *Service) Get(userID string) (*Configuration, error) {
	var cfgRow Configuration
	if err := s.db.Where("user_id = ?", userID).First(&cfgRow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("failed to load mfa configuration: %w", err)
	}
	return &cfgRow, nil
}

// SweepExpired clears spent and expired channel challenges plus used-code
// records older than the replay window.
func (s *Service) SweepExpired() (int64, error) {
	now := s.now().UTC()

	challenges := s.db.Where("expires_at < ? OR used_at IS NOT NULL", now).Delete(&ChannelChallenge{})
	if challenges.Error != nil {
		return 0, fmt.Errorf("failed to sweep challenges: %w", challenges.Error)
	}

	cutoff := now.Unix() - usedCodeWindowSeconds
	usedCodes := s.db.Where("used_at < ?", cutoff).Delete(&UsedCode{})
	if usedCodes.Error != nil {
		return challenges.RowsAffected, fmt.Errorf("failed to sweep used codes: %w", usedCodes.Error)
	}

	total := challenges.RowsAffected + usedCodes.RowsAffected
	if s.logger != nil && total > 0 {
		s.logger.Info("swept mfa records",
			zap.Int64("challenges", challenges.RowsAffected),
			zap.Int64("used_codes", usedCodes.RowsAffected))
	}

	return total, nil
}

func (s *Service) StartSweepWorker(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			if _, err := s.SweepExpired(); err != nil && s.logger != nil {
				s.logger.Error("mfa sweep worker failed", zap.Error(err))
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("started mfa sweep worker", zap.Duration("interval", interval))
	}
}

func (s *Service) proveFresh(userID, proofCode string) (bool, error) {
	ok, err := s.Verify(userID, "", proofCode)
	if err != nil || ok {
		return ok, err
	}
	return s.Verify(userID, MethodBackup, proofCode)
}

func (s *Service) enabledConfiguration(userID string) (*Configuration, error) {
	var cfgRow Configuration
	if err := s.db.Where("user_id = ?", userID).First(&cfgRow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("failed to load mfa configuration: %w", err)
	}
	if !cfgRow.Enabled {
		return nil, ErrNotEnrolled
	}
	return &cfgRow, nil
}

func (s *Service) validTOTPCode(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriodSeconds,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *Service) consumeTOTPCode(userID, code string) (bool, error) {
	fresh := true
	err := s.db.Transaction(func(tx *gorm.DB) error {
		cutoff := s.now().Unix() - usedCodeWindowSeconds
		var existing UsedCode
		err := tx.Where("user_id = ? AND code = ? AND used_at > ?", userID, code, cutoff).First(&existing).Error
		if err == nil {
			fresh = false
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check used code: %w", err)
		}

		return tx.Create(&UsedCode{UserID: userID, Code: code, UsedAt: s.now().Unix()}).Error
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}

func (s *Service) consumeBackupCode(userID, code string) (bool, error) {
	var candidates []BackupCode
	if err := s.db.Where("user_id = ? AND used_at IS NULL", userID).Find(&candidates).Error; err != nil {
		return false, fmt.Errorf("failed to load backup codes: %w", err)
	}

	for _, candidate := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidate.CodeHash), []byte(code)) != nil {
			continue
		}

		result := s.db.Model(&BackupCode{}).
			Where("id = ? AND used_at IS NULL", candidate.ID).
			Update("used_at", s.now().UTC())
		if result.Error != nil {
			return false, fmt.Errorf("failed to mark backup code used: %w", result.Error)
		}
		// zero rows means a concurrent use got there first
		return result.RowsAffected == 1, nil
	}

	return false, nil
}

func (s *Service) consumeChannelCode(userID, code string) (bool, error) {
	if !validChallengeFormat(code) {
		return false, nil
	}

	result := s.db.Model(&ChannelChallenge{}).
		Where("user_id = ? AND code_hash = ? AND used_at IS NULL AND expires_at > ?",
			userID, hashChallengeCode(code), s.now().UTC()).
		Update("used_at", s.now().UTC())
	if result.Error != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *Service) senderFor(method string) ChannelSender {
	switch method {
	case MethodEmail:
		return s.emailSender
	case MethodSMS:
		return s.smsSender
	default:
		return nil
	}
}

func (s *Service) generateBackupCodes() ([]string, []string, error) {
	count := s.config.MFA.BackupCodeCount
	if count <= 0 {
		count = 10
	}

	cost := s.config.MFA.BcryptCost
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}

	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}

	return codes, hashes, nil
}

func (s *Service) auditVerify(userID, method string, ok bool, detail string) {
	if s.audit == nil {
		return
	}

	action := audit.ActionMFAVerifyFailed
	if ok {
		action = audit.ActionMFAVerified
	}

	details := map[string]any{"method": method}
	if detail != "" {
		details["detail"] = detail
	}

	s.audit.Record(audit.Event{
		UserID:  userID,
		Action:  action,
		Success: ok,
		Details: details,
	})
}

func (s *Service) touchLastUsed(cfgRow *Configuration) {
	err := s.db.Model(&Configuration{}).
		Where("id = ?", cfgRow.ID).
		Update("last_used_at", s.now().UTC()).Error
	if err != nil && s.logger != nil {
		s.logger.Warn("failed to update mfa last used time",
			zap.String("user_id", cfgRow.UserID),
			zap.Error(err))
	}
}

func (s *Service) issuer() string {
	if s.config.MFA.Issuer == "" {
		return "keyfort"
	}
	return s.config.MFA.Issuer
}

// 32-character alphabet so sampling random bytes stays uniform
const backupCodeAlphabet = "abcdefghijklmnopqrstuvwxyz234567"

func generateBackupCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	code := make([]byte, 9)
	code[4] = '-'
	for i, b := range buf {
		pos := i
		if i >= 4 {
			pos = i + 1
		}
		code[pos] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
	}

	return string(code), nil
}

func generateChallengeCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashChallengeCode(code string) string {
	hash := sha256.Sum256([]byte(code))
	return hex.EncodeToString(hash[:])
}

func validChallengeFormat(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
