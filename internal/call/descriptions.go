package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

// storeSideChannel writes the SDP payload to the description side channel
// and returns its ref. The document keeps the inline copy either way; a
// permission failure disables the side channel for the rest of the session
// and is logged, never fatal.
func (s *CallSession) storeSideChannel(ctx context.Context, typ domain.DescriptionType, rev int64, sdp string) string {
	if s.inlineOnly {
		return ""
	}
	ref := fmt.Sprintf("%s-%d-%s", typ, rev, s.user.ID)
	if err := s.store.PutDescription(ctx, s.room, ref, sdp); err != nil {
		if errors.Is(err, core.ErrPermission) {
			s.inlineOnly = true
			s.diag.Add("side channel permission denied, inline descriptions for the rest of the session")
			log.Warn().Str("module", "call").Str("room", string(s.room)).Msg("description side channel denied, degrading to inline")
		} else {
			s.diag.Add("side channel write failed: %v", err)
		}
		return ""
	}
	return ref
}

// resolveDescription returns the SDP for a stored description, preferring
// the side-channel blob and falling back to the inline copy. When neither
// is readable the caller must promote.
func (s *CallSession) resolveDescription(ctx context.Context, d *domain.Description) (string, error) {
	if d.Ref != "" && !s.inlineOnly {
		sdp, err := s.store.GetDescription(ctx, s.room, d.Ref)
		if err == nil {
			return sdp, nil
		}
		if errors.Is(err, core.ErrPermission) {
			s.inlineOnly = true
			log.Warn().Str("module", "call").Str("room", string(s.room)).Msg("description side channel read denied, degrading to inline")
		}
		s.diag.Add("side channel read %q failed: %v", d.Ref, err)
	}
	if d.SDP != "" {
		return d.SDP, nil
	}
	return "", errDescriptionUnavailable
}
