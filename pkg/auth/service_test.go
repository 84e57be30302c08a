package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/smartystreets/goconvey/convey"
	memerr "github.com/theapemachine/memcube/pkg/errors"
)

func TestAuthenticateStaticToken(t *testing.T) {
	Convey("Given a service with a static token", t, func() {
		svc := NewService(Options{Token: "s3cret"})

		Convey("The token is accepted with or without the scheme", func() {
			principal, err := svc.Authenticate("Bearer s3cret")
			So(err, ShouldBeNil)
			So(principal.Scheme, ShouldEqual, "static")
			So(principal.Allows("anyone"), ShouldBeTrue)

			_, err = svc.Authenticate("s3cret")
			So(err, ShouldBeNil)
		})

		Convey("Anything else is unauthorized", func() {
			_, err := svc.Authenticate("Bearer wrong")
			So(memerr.KindOf(err), ShouldEqual, memerr.KindUnauthorized)

			_, err = svc.Authenticate("")
			So(memerr.KindOf(err), ShouldEqual, memerr.KindUnauthorized)
		})

		Convey("Tokens sharing a prefix or differing in length are unauthorized", func() {
			for _, candidate := range []string{"s3cre", "s3cret2", "s3creT", "Bearer s3cret s3cret"} {
				_, err := svc.Authenticate(candidate)
				So(memerr.KindOf(err), ShouldEqual, memerr.KindUnauthorized)
			}
		})
	})
}

func TestAuthenticateJWT(t *testing.T) {
	Convey("Given a service with a signing key", t, func() {
		svc := NewService(Options{SigningKey: "signing-key"})

		Convey("A signed token yields its subject", func() {
			token, err := svc.GenerateToken("u1", time.Hour)
			So(err, ShouldBeNil)

			principal, err := svc.Authenticate("Bearer " + token)
			So(err, ShouldBeNil)
			So(principal.Subject, ShouldEqual, "u1")
			So(principal.Allows("u1"), ShouldBeTrue)
			So(principal.Allows("u2"), ShouldBeFalse)
		})

		Convey("An expired token is rejected", func() {
			token, err := svc.GenerateToken("u1", -time.Minute)
			So(err, ShouldBeNil)

			_, err = svc.Authenticate("Bearer " + token)
			So(memerr.KindOf(err), ShouldEqual, memerr.KindUnauthorized)
		})

		Convey("A token signed with another key is rejected", func() {
			other := NewService(Options{SigningKey: "other-key"})
			token, _ := other.GenerateToken("u1", time.Hour)

			_, err := svc.Authenticate("Bearer " + token)
			So(memerr.KindOf(err), ShouldEqual, memerr.KindUnauthorized)
		})

		Convey("A token without a subject is rejected", func() {
			token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"exp": time.Now().Add(time.Hour).Unix(),
			}).SignedString([]byte("signing-key"))

			_, err := svc.Authenticate("Bearer " + token)
			So(memerr.KindOf(err), ShouldEqual, memerr.KindUnauthorized)
		})
	})
}

func TestAuthenticateDisabled(t *testing.T) {
	Convey("Given a service without credentials", t, func() {
		svc := NewService(Options{})

		Convey("Every request passes", func() {
			So(svc.Enabled(), ShouldBeFalse)

			_, err := svc.Authenticate("")
			So(err, ShouldBeNil)
		})

		Convey("Tokens cannot be generated", func() {
			_, err := svc.GenerateToken("u1", time.Hour)
			So(memerr.IsValidation(err), ShouldBeTrue)
		})
	})
}

func TestMiddleware(t *testing.T) {
	Convey("Given a fiber app behind the middleware", t, func() {
		svc := NewService(Options{Token: "s3cret", RateLimit: 3})

		app := fiber.New(fiber.Config{
			ErrorHandler: func(c fiber.Ctx, err error) error {
				return c.SendStatus(memerr.StatusCode(err))
			},
		})

		app.Use(svc.Middleware(func(c fiber.Ctx) bool { return c.Path() == "/health" }))
		app.Get("/health", func(c fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
		app.Get("/whoami", func(c fiber.Ctx) error { return c.SendString(PrincipalFrom(c).Scheme) })

		call := func(path, header string) int {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}

			resp, err := app.Test(req)
			So(err, ShouldBeNil)

			return resp.StatusCode
		}

		Convey("Skipped paths need no credentials", func() {
			So(call("/health", ""), ShouldEqual, http.StatusOK)
		})

		Convey("Protected paths need the token and are rate limited", func() {
			So(call("/whoami", ""), ShouldEqual, http.StatusUnauthorized)
			So(call("/whoami", "Bearer s3cret"), ShouldEqual, http.StatusOK)
			So(call("/whoami", "Bearer s3cret"), ShouldEqual, http.StatusOK)
			So(call("/whoami", "Bearer s3cret"), ShouldEqual, http.StatusTooManyRequests)
		})
	})
}
