package main

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

type functionURLHandler func(context.Context, events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error)

// runLambda serves the router behind a Lambda Function URL. It blocks for the
// life of the execution environment.
func runLambda(a *app, logger *slog.Logger) error {
	logger.Info("starting in Lambda Function URL mode")
	lambda.Start(newFunctionURLHandler(a, logger))
	return nil
}

// newFunctionURLHandler bridges Function URL events to the chi router.
// CloudWatch metrics are flushed after every invocation because the
// environment may be frozen right after the response.
func newFunctionURLHandler(a *app, logger *slog.Logger) functionURLHandler {
	adapter := httpadapter.NewFunctionURL(a.server.Handler())

	return func(ctx context.Context, req events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		if err != nil {
			logger.ErrorContext(ctx, "function url proxy failed", "path", req.RawPath, "error", err)
		}

		if a.cloudwatch != nil {
			if flushErr := a.cloudwatch.Flush(ctx); flushErr != nil {
				logger.WarnContext(ctx, "failed to flush cloudwatch metrics", "error", flushErr)
			}
		}
		return resp, err
	}
}
