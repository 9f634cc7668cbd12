package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/icf-remote/internal/framework"
)

// Active Directory reports the reason of a failed bind as a "data" code in
// the diagnostic message.
var adBindReasons = map[string]framework.ErrorKind{
	"data 525": framework.KindInvalidCredential, // user not found
	"data 52e": framework.KindInvalidCredential, // wrong password
	"data 530": framework.KindPermissionDenied,  // logon time restriction
	"data 531": framework.KindPermissionDenied,  // workstation restriction
	"data 532": framework.KindPasswordExpired,
	"data 533": framework.KindPermissionDenied, // account disabled
	"data 701": framework.KindPermissionDenied, // account expired
	"data 773": framework.KindPasswordExpired,  // must reset password
	"data 775": framework.KindPermissionDenied, // account locked
}

// errorKind maps a go-ldap result code onto a connector failure kind.
func errorKind(code uint16) framework.ErrorKind {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication:
		return framework.KindInvalidCredential

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired:
		return framework.KindPermissionDenied

	case ldap.LDAPResultNoSuchObject:
		return framework.KindUnknownUid

	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists:
		return framework.KindAlreadyExists

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType,
		ldap.LDAPResultFilterError:
		return framework.KindInvalidAttributeValue

	case ldap.LDAPResultNotAllowedOnNonLeaf,
		ldap.LDAPResultUnwillingToPerform:
		return framework.KindPreconditionFailed

	case ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultTimeout:
		return framework.KindOperationTimeout

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultConnectError:
		return framework.KindConnectionFailed

	case ldap.LDAPResultProtocolError,
		ldap.LDAPResultEncodingError,
		ldap.LDAPResultDecodingError:
		return framework.KindConnectorIO

	case ldap.LDAPResultNotSupported,
		ldap.LDAPResultAuthMethodNotSupported,
		ldap.LDAPResultUnavailableCriticalExtension:
		return framework.KindUnsupportedOperation

	default:
		return framework.KindConnector
	}
}

// isRetryable reports whether an operation failing with err may succeed on a
// fresh connection.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var le *ldap.Error
	if errors.As(err, &le) {
		switch le.ResultCode {
		case ldap.LDAPResultBusy,
			ldap.LDAPResultUnavailable,
			ldap.LDAPResultServerDown,
			ldap.LDAPResultConnectError,
			ldap.ErrorNetwork:
			return true
		}
		return false
	}

	var ce *connectionError
	return errors.As(err, &ce)
}

// mapError converts a directory failure into a ConnectorError carrying the
// operation and DN involved.
func mapError(operation, dn string, err error) error {
	if err == nil {
		return nil
	}

	var connErr *framework.ConnectorError
	if errors.As(err, &connErr) {
		return connErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &framework.ConnectorError{Kind: framework.KindOperationTimeout, Message: fmt.Sprintf("LDAP %s timed out", operation), Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var parts []string
	kind := framework.KindConnectionFailed

	var le *ldap.Error
	if errors.As(err, &le) {
		kind = errorKind(le.ResultCode)
		if le.ResultCode == ldap.ErrorNetwork {
			kind = framework.KindConnectionFailed
		}
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", operation, le.ResultCode))
		if msg := ldapMessage(le); msg != "" {
			parts = append(parts, msg)
		}
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", operation), err.Error())
	}

	if dn != "" {
		parts = append(parts, "DN: "+dn)
	}

	return &framework.ConnectorError{Kind: kind, Message: strings.Join(parts, " - "), Cause: err}
}

// mapBindError refines an authentication failure with the Active Directory
// reason code when the server supplied one.
func mapBindError(dn string, err error) error {
	var le *ldap.Error
	if errors.As(err, &le) && le.ResultCode == ldap.LDAPResultInvalidCredentials {
		msg := strings.ToLower(ldapMessage(le))
		for code, kind := range adBindReasons {
			if strings.Contains(msg, code) {
				return &framework.ConnectorError{Kind: kind, Message: fmt.Sprintf("bind as %s rejected: %s", dn, code), Cause: err}
			}
		}
	}
	return mapError("bind", dn, err)
}

func ldapMessage(le *ldap.Error) string {
	if le.Err == nil {
		return ldap.LDAPResultCodeMap[le.ResultCode]
	}
	return le.Err.Error()
}

// connectionError reports that no directory server could be reached.
type connectionError struct {
	message string
	cause   error
}

func (e *connectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *connectionError) Unwrap() error {
	return e.cause
}
