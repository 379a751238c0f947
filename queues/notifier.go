package queues

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type SendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// UploadsNotifierImpl publishes UploadCompletedEvent to downstream consumers.
type UploadsNotifierImpl struct {
	client   SendAPI
	queueUrl string
	logger   logging.Logger
}

func NewUploadsNotifierImpl(client SendAPI, queueUrl string, l logging.Logger) *UploadsNotifierImpl {
	return &UploadsNotifierImpl{
		client:   client,
		queueUrl: queueUrl,
		logger:   l,
	}
}

func (n *UploadsNotifierImpl) PublishUploadCompleted(ctx context.Context, event models.UploadCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal upload completed event: %w", err)
	}

	out, err := n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueUrl),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String("upload_completed"),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send upload completed event: %w", err)
	}

	n.logger.Debug("upload completion published", "upload_id", event.UploadId, "message_id", aws.ToString(out.MessageId))
	return nil
}

// NullNotifier is used when no notifications queue is configured.
type NullNotifier struct{}

func (NullNotifier) PublishUploadCompleted(ctx context.Context, event models.UploadCompletedEvent) error {
	return nil
}
